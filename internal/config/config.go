package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig
	JWT      JWTConfig
	Database DatabaseConfig
	Log      LogConfig
	Upload   UploadConfig
	Checksum ChecksumConfig
	OSS      OSSConfig
}

type AppConfig struct {
	Name         string
	Env          string
	Host         string
	Port         int
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
	IdleTimeout  int `mapstructure:"idle_timeout"`
	// 跨域白名单，为空时允许所有来源
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"`
	ExpiresIn int    `mapstructure:"expires_in"`
	Issuer    string
}

type DatabaseConfig struct {
	Driver          string // sqlite 或 postgres
	Path            string // sqlite 数据库文件
	Host            string
	Port            int
	Username        string
	Password        string
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	BusyTimeout     int    `mapstructure:"busy_timeout"` // 毫秒，仅 sqlite
}

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string `mapstructure:"file_path"`
}

// UploadConfig 分片上传与后台组装相关配置
type UploadConfig struct {
	UploadDir      string        `mapstructure:"upload_dir"`
	DownloadDir    string        `mapstructure:"download_dir"`
	ChunkSize      int64         `mapstructure:"chunk_size"`
	MaxSize        int64         `mapstructure:"max_size"`
	BlockSize      int           `mapstructure:"block_size"` // 拷贝/校验时的块大小
	AllowedExt     []string      `mapstructure:"allowed_ext"`
	USBExt         []string      `mapstructure:"usb_ext"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	AbandonAfter   time.Duration `mapstructure:"abandon_after"`
	ImportOwner    string        `mapstructure:"import_owner"`
}

// ChecksumConfig 校验和计算任务配置
type ChecksumConfig struct {
	Workers int // 0 表示使用 CPU 数量
}

type OSSConfig struct {
	Mirror       MirrorConfig       `mapstructure:"mirror"`
	AliyunOSS    AliyunOSSConfig    `mapstructure:"aliyun_oss"`
	AWSS3        AWSS3Config        `mapstructure:"aws_s3"`
	CloudflareR2 CloudflareR2Config `mapstructure:"cloudflare_r2"`
}

// MirrorConfig 组装完成的镜像文件是否同步到对象存储
type MirrorConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	StorageType string `mapstructure:"storage_type"`
}

type AliyunOSSConfig struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	Endpoint        string
	Bucket          string
	UploadDir       string `mapstructure:"upload_dir"`
}

type AWSS3Config struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string
	Bucket          string
	UploadDir       string `mapstructure:"upload_dir"`
}

type CloudflareR2Config struct {
	AccountID       string `mapstructure:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string
	UploadDir       string `mapstructure:"upload_dir"`
}

// 默认值
const (
	DefaultChunkSize = 10 * 1024 * 1024
	DefaultMaxSize   = 3 * 1024 * 1024 * 1024
	DefaultBlockSize = 1024 * 1024
)

// setDefaults 注册默认配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "coursevm")
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.read_timeout", 60)
	v.SetDefault("app.write_timeout", 0) // SSE 连接不设写超时
	v.SetDefault("app.idle_timeout", 120)
	v.SetDefault("app.allow_origins", []string{})

	v.SetDefault("jwt.secret_key", "")
	v.SetDefault("jwt.expires_in", 8*3600)
	v.SetDefault("jwt.issuer", "coursevm")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "application.sqlite3")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("database.busy_timeout", 5000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("upload.upload_dir", "flow_upload")
	v.SetDefault("upload.download_dir", "downloads")
	v.SetDefault("upload.chunk_size", DefaultChunkSize)
	v.SetDefault("upload.max_size", int64(DefaultMaxSize))
	v.SetDefault("upload.block_size", DefaultBlockSize)
	v.SetDefault("upload.allowed_ext", []string{"ova", "img", "zip"})
	v.SetDefault("upload.usb_ext", []string{"img", "zip"})
	v.SetDefault("upload.status_interval", 300*time.Millisecond)
	v.SetDefault("upload.stale_after", 5*time.Minute)
	v.SetDefault("upload.abandon_after", 72*time.Hour)

	v.SetDefault("checksum.workers", 0)

	v.SetDefault("oss.mirror.enabled", false)
	v.SetDefault("oss.mirror.storage_type", "AWS_S3")
}

// LoadConfig 加载配置文件，configPath 为空时只使用默认值和环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COURSEVM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if isDir(configPath) {
			v.AddConfigPath(configPath)
			v.SetConfigName("app")
		} else {
			v.SetConfigFile(configPath)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 检查配置的合法性
func (c *Config) Validate() error {
	var errs []error
	if c.Upload.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("upload.chunk_size 必须大于0: %d", c.Upload.ChunkSize))
	}
	if c.Upload.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("upload.max_size 必须大于0: %d", c.Upload.MaxSize))
	}
	if c.Upload.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("upload.block_size 必须大于0: %d", c.Upload.BlockSize))
	}
	if c.Upload.UploadDir == "" || c.Upload.DownloadDir == "" {
		errs = append(errs, errors.New("upload.upload_dir 和 upload.download_dir 不能为空"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver))
	}
	if c.OSS.Mirror.Enabled && c.OSS.Mirror.StorageType == "" {
		errs = append(errs, errors.New("oss.mirror.storage_type 不能为空"))
	}
	return errors.Join(errs...)
}

// CheckDirs 确认上传目录和下载目录存在且可写
func (c *UploadConfig) CheckDirs() error {
	for _, dir := range []string{c.UploadDir, c.DownloadDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("目录 '%s' 不存在或无法访问: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("'%s' 不是目录", dir)
		}
		probe, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return fmt.Errorf("目录 '%s' 不可写: %w", dir, err)
		}
		probe.Close()
		os.Remove(probe.Name())
	}
	return nil
}

// IsAllowedExt 判断文件扩展名是否允许上传
func (c *UploadConfig) IsAllowedExt(filename string) bool {
	return hasExt(c.AllowedExt, filename)
}

// IsUSBExt 判断文件是否为U盘镜像类型
func (c *UploadConfig) IsUSBExt(filename string) bool {
	return hasExt(c.USBExt, filename)
}

func hasExt(exts []string, filename string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), ".") == ext {
			return true
		}
	}
	return false
}

// WorkerCount 返回校验和计算的工作协程数量上限
func (c *ChecksumConfig) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// 检查是否是目录
func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.Username, c.Password, c.DBName, c.SSLMode)
	}
	// WAL 模式允许后台任务与Web进程并发读写
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", c.Path, c.BusyTimeout)
}

// GetConnMaxLifetime 获取数据库连接最大生命周期
func (c *DatabaseConfig) GetConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// GetJWTExpiration 获取 JWT 过期时间
func (c *JWTConfig) GetJWTExpiration() time.Duration {
	return time.Duration(c.ExpiresIn) * time.Second
}
