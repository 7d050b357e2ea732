package ovf

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// 支持的 OVF 信封命名空间
const (
	NamespaceOVF1 = "http://schemas.dmtf.org/ovf/envelope/1"
	NamespaceOVF2 = "http://schemas.dmtf.org/ovf/envelope/2"
)

// CIM ResourceType 代码
const (
	resourceProcessor = 3
	resourceMemory    = 4
)

type envelope struct {
	XMLName       xml.Name      `xml:"Envelope"`
	References    []fileRef     `xml:"References>File"`
	Disks         []disk        `xml:"DiskSection>Disk"`
	VirtualSystem virtualSystem `xml:"VirtualSystem"`
}

type fileRef struct {
	ID   string `xml:"id,attr"`
	Href string `xml:"href,attr"`
}

type disk struct {
	DiskID   string `xml:"diskId,attr"`
	FileRef  string `xml:"fileRef,attr"`
	Capacity string `xml:"capacity,attr"`
	Units    string `xml:"capacityAllocationUnits,attr"`
}

type virtualSystem struct {
	ID         string            `xml:"id,attr"`
	Annotation *string           `xml:"AnnotationSection>Annotation"`
	OS         *operatingSystem  `xml:"OperatingSystemSection"`
	Hardware   []virtualHardware `xml:"VirtualHardwareSection"`
}

type operatingSystem struct {
	ID string `xml:"id,attr"`
}

type virtualHardware struct {
	Items []hardwareItem `xml:"Item"`
}

type hardwareItem struct {
	ResourceType    string `xml:"ResourceType"`
	VirtualQuantity string `xml:"VirtualQuantity"`
	AllocationUnits string `xml:"AllocationUnits"`
}

// Attributes 从 OVF 描述中提取的虚拟机属性，缺失的可选字段为 nil
type Attributes struct {
	Name        string
	Description *string
	OSID        *int
	OSType      *string
	CPUs        *int
	RAM         *int64 // bytes
	DiskSize    *int64 // bytes
}

// ParseDescriptor 解析 OVF XML
func ParseDescriptor(data []byte) (*Attributes, error) {
	var env envelope
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ns := env.XMLName.Space; ns != NamespaceOVF1 && ns != NamespaceOVF2 {
		return nil, fmt.Errorf("%w: 不支持的命名空间 %q", ErrMalformed, ns)
	}

	vs := env.VirtualSystem
	attrs := &Attributes{Name: strings.TrimSpace(vs.ID)}

	if vs.Annotation != nil {
		if text := strings.TrimSpace(*vs.Annotation); text != "" {
			attrs.Description = &text
		}
	}

	if vs.OS != nil && strings.TrimSpace(vs.OS.ID) != "" {
		id, err := strconv.Atoi(strings.TrimSpace(vs.OS.ID))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOSType, vs.OS.ID)
		}
		name, ok := OSTypeName(id)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownOSType, id)
		}
		attrs.OSID = &id
		attrs.OSType = &name
	}

	for _, hw := range vs.Hardware {
		for _, item := range hw.Items {
			rt, err := strconv.Atoi(strings.TrimSpace(item.ResourceType))
			if err != nil {
				continue
			}
			qty, err := strconv.ParseInt(strings.TrimSpace(item.VirtualQuantity), 10, 64)
			if err != nil {
				continue
			}
			switch {
			case rt == resourceProcessor && attrs.CPUs == nil:
				cpus := int(qty)
				attrs.CPUs = &cpus
			case rt == resourceMemory && attrs.RAM == nil:
				// 内存默认以 MB 为单位
				mult, ok := allocationUnits(item.AllocationUnits, 1<<20)
				if !ok {
					continue
				}
				ram := qty * mult
				attrs.RAM = &ram
			}
		}
	}

	var total int64
	var counted bool
	for _, d := range env.Disks {
		capacity, err := strconv.ParseInt(strings.TrimSpace(d.Capacity), 10, 64)
		if err != nil {
			continue
		}
		// 磁盘容量默认以字节为单位
		mult, ok := allocationUnits(d.Units, 1)
		if !ok {
			continue
		}
		total += capacity * mult
		counted = true
	}
	if counted {
		attrs.DiskSize = &total
	}

	return attrs, nil
}

// allocationUnits 解析 "byte * 2^20"、"MB"、"GiB" 等单位，返回字节倍数
func allocationUnits(units string, def int64) (int64, bool) {
	u := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(units), " ", ""))
	switch u {
	case "":
		return def, true
	case "byte", "bytes", "b":
		return 1, true
	case "kb", "kib", "kilobytes":
		return 1 << 10, true
	case "mb", "mib", "megabytes":
		return 1 << 20, true
	case "gb", "gib", "gigabytes":
		return 1 << 30, true
	case "tb", "tib":
		return 1 << 40, true
	}
	if rest, ok := strings.CutPrefix(u, "byte*2^"); ok {
		exp, err := strconv.Atoi(rest)
		if err != nil || exp < 0 || exp > 50 {
			return 0, false
		}
		return 1 << exp, true
	}
	return 0, false
}
