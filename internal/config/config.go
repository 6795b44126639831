// Package config は各サービスの設定を環境変数・設定ファイルから読み込む。
//
// 優先順位は 環境変数 > 設定ファイル（CONFIG_FILE） > デフォルト値。
// キーはドット区切りで、環境変数ではドットをアンダースコアに置き換えた大文字名になる
// （例: kafka.group_id → KAFKA_GROUP_ID）。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// サービス名。
const (
	ServiceProject      = "project"
	ServiceNotification = "notification"
	ServiceGateway      = "gateway"
)

// envConfigFile は設定ファイルのパスを指定する環境変数名。
const envConfigFile = "CONFIG_FILE"

// Config はサービスの設定全体を表す。
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Database DatabaseConfig `mapstructure:"database"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
}

// ServiceConfig はHTTPサーバーとしての設定。
type ServiceConfig struct {
	// Name はサービス名。
	Name string `mapstructure:"name"`
	// Port は待ち受けるポート番号。
	Port string `mapstructure:"port"`
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig はロガーの設定。
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

// SecurityConfig は認証に関する設定。
type SecurityConfig struct {
	// JWTSecret はトークン署名用のHMAC鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
	// TokenTTL は開発用トークンの有効期間。
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// KafkaConfig はブローカーへの接続設定。
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
	// AutoCreateTopic が有効な場合、起動時にトピックが無ければ作成する。
	AutoCreateTopic   bool          `mapstructure:"auto_create_topic"`
	Partitions        int           `mapstructure:"partitions"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
	BatchTimeout      time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	MinBytes          int           `mapstructure:"min_bytes"`
	MaxBytes          int           `mapstructure:"max_bytes"`
	MaxWait           time.Duration `mapstructure:"max_wait"`
}

// DatabaseConfig はSQLiteの接続設定。
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ConsumerConfig は通知コンシューマーの動作設定。
type ConsumerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	CommitTimeout  time.Duration `mapstructure:"commit_timeout"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

// GatewayConfig はgatewayサービス固有の設定。
type GatewayConfig struct {
	ProjectURL      string        `mapstructure:"project_url"`
	NotificationURL string        `mapstructure:"notification_url"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	DevTokenEnabled bool          `mapstructure:"dev_token_enabled"`
	HealthTimeout   time.Duration `mapstructure:"health_timeout"`
}

// defaultPorts はサービスごとのデフォルトポート。
var defaultPorts = map[string]string{
	ServiceGateway:      "8080",
	ServiceProject:      "8081",
	ServiceNotification: "8082",
}

// LoadDotEnv はカレントディレクトリの.envファイルを読み込む。
// 既に設定されている環境変数は上書きしない。ファイルが無い場合は何もしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf(".envファイル %s の読み込みに失敗: %w", p, err)
		}
	}
	return nil
}

// Load はserviceの設定を読み込んで検証する。
func Load(service string) (*Config, error) {
	port, ok := defaultPorts[service]
	if !ok {
		return nil, fmt.Errorf("未知のサービスです: %q", service)
	}

	v := viper.New()
	setDefaults(v, service, port)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 慣習的な短い環境変数名も受け付ける。
	for key, envs := range map[string][]string{
		"service.port":        {"SERVICE_PORT", "PORT"},
		"security.jwt_secret": {"SECURITY_JWT_SECRET", "JWT_SECRET"},
	} {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("環境変数のバインドに失敗: %w", err)
		}
	}

	if path := os.Getenv(envConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定のデコードに失敗: %w", err)
	}
	cfg.Kafka.Brokers = compact(cfg.Kafka.Brokers)
	cfg.Gateway.AllowedOrigins = compact(cfg.Gateway.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, service, port string) {
	v.SetDefault("service.name", service)
	v.SetDefault("service.port", port)
	v.SetDefault("service.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.add_source", false)

	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.token_ttl", 24*time.Hour)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "projecthub.notifications")
	v.SetDefault("kafka.group_id", "notification-service")
	v.SetDefault("kafka.auto_create_topic", false)
	v.SetDefault("kafka.partitions", 3)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("kafka.batch_timeout", 50*time.Millisecond)
	v.SetDefault("kafka.write_timeout", 10*time.Second)
	v.SetDefault("kafka.max_attempts", 10)
	v.SetDefault("kafka.min_bytes", 1)
	v.SetDefault("kafka.max_bytes", 10<<20)
	v.SetDefault("kafka.max_wait", 500*time.Millisecond)

	v.SetDefault("database.dsn", fmt.Sprintf("file:projecthub-%s.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", service))

	v.SetDefault("consumer.poll_interval", time.Second)
	v.SetDefault("consumer.max_backoff", 30*time.Second)
	v.SetDefault("consumer.persist_timeout", 5*time.Second)
	v.SetDefault("consumer.commit_timeout", 5*time.Second)
	v.SetDefault("consumer.startup_timeout", 15*time.Second)

	v.SetDefault("gateway.project_url", "http://localhost:8081")
	v.SetDefault("gateway.notification_url", "http://localhost:8082")
	v.SetDefault("gateway.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("gateway.dev_token_enabled", false)
	v.SetDefault("gateway.health_timeout", 3*time.Second)
}

// Validate はサービスの起動に必要な設定が揃っているかを検証する。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Security.JWTSecret) == "" {
		errs = append(errs, errors.New("security.jwt_secret (JWT_SECRET) が設定されていません"))
	}
	if c.Service.Port == "" {
		errs = append(errs, errors.New("service.port が設定されていません"))
	}

	switch c.Service.Name {
	case ServiceProject, ServiceNotification:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers が設定されていません"))
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.topic が設定されていません"))
		}
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn が設定されていません"))
		}
	case ServiceGateway:
		if c.Gateway.ProjectURL == "" || c.Gateway.NotificationURL == "" {
			errs = append(errs, errors.New("gateway.project_url と gateway.notification_url は必須です"))
		}
	}

	if c.Service.Name == ServiceNotification {
		if c.Kafka.GroupID == "" {
			errs = append(errs, errors.New("kafka.group_id が設定されていません"))
		}
		if c.Consumer.PollInterval <= 0 {
			errs = append(errs, errors.New("consumer.poll_interval は正の値である必要があります"))
		}
		if c.Consumer.MaxBackoff < c.Consumer.PollInterval {
			errs = append(errs, errors.New("consumer.max_backoff は consumer.poll_interval 以上である必要があります"))
		}
		// 読み取りAPIとコンシューマーは別々の接続プールで同じデータベースを開く
		if isInMemoryDSN(c.Database.DSN) {
			errs = append(errs, errors.New("notificationサービスの database.dsn はファイルを指す必要があります（インメモリDBは接続ごとに別になる）"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}

// isInMemoryDSN はSQLiteのDSNが接続ごとに独立したインメモリDBを指すかを返す。
func isInMemoryDSN(dsn string) bool {
	dsn = strings.TrimSpace(dsn)
	return strings.HasPrefix(dsn, ":memory:") ||
		strings.HasPrefix(dsn, "file::memory:") ||
		strings.Contains(dsn, "mode=memory")
}

// compact は空白を除去し空要素を取り除く。
func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
