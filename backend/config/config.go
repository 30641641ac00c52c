package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port            int           `mapstructure:"Port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"Running"`
	// dsn 为空时使用内存存储
	Mysql struct {
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"maxOpenConns"`
		MaxIdleConns    int           `mapstructure:"maxIdleConns"`
		ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	} `mapstructure:"Mysql"`
	// addrs 为空时不镜像在线状态；多个地址走集群
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
	} `mapstructure:"Redis"`
	// brokers 为空时不发送 OP_APPLIED 事件
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
		MaxInflight int           `mapstructure:"maxInflight"`
	} `mapstructure:"Kafka"`
	Collab struct {
		MaxParticipants    int           `mapstructure:"maxParticipants"`
		HistoryLimit       int           `mapstructure:"historyLimit"`
		SnapshotEvery      uint64        `mapstructure:"snapshotEvery"`
		IdleTimeout        time.Duration `mapstructure:"idleTimeout"`
		SweepInterval      time.Duration `mapstructure:"sweepInterval"`
		PersistTimeout     time.Duration `mapstructure:"persistTimeout"`
		JoinAckTimeout     time.Duration `mapstructure:"joinAckTimeout"`
		SubmitTimeout      time.Duration `mapstructure:"submitTimeout"`
		MaxInflightSubmits int           `mapstructure:"maxInflightSubmits"`
		OutboundQueueSize  int           `mapstructure:"outboundQueueSize"`
		PongWait           time.Duration `mapstructure:"pongWait"`
		MaxMessageSize     int64         `mapstructure:"maxMessageSize"`
		PresenceTTL        time.Duration `mapstructure:"presenceTTL"`
	} `mapstructure:"Collab"`
	// apiKey 为空时 agent_request 返回 AGENT_UNAVAILABLE
	Agent struct {
		APIKey        string        `mapstructure:"apiKey"`
		BaseURL       string        `mapstructure:"baseURL"`
		Model         string        `mapstructure:"model"`
		ParticipantID string        `mapstructure:"participantId"`
		DisplayName   string        `mapstructure:"displayName"`
		RatePerSecond float64       `mapstructure:"ratePerSecond"`
		Burst         int           `mapstructure:"burst"`
		MaxConcurrent int           `mapstructure:"maxConcurrent"`
		Timeout       time.Duration `mapstructure:"timeout"`
	} `mapstructure:"Agent"`
	Cors struct {
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"Cors"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"Log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8081)
	v.SetDefault("running.shutdownTimeout", 10*time.Second)

	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.maxOpenConns", 20)
	v.SetDefault("mysql.maxIdleConns", 10)
	v.SetDefault("mysql.connMaxLifetime", 30*time.Minute)

	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("kafka.maxInflight", 100)

	v.SetDefault("collab.maxParticipants", 50)
	v.SetDefault("collab.historyLimit", 1000)
	v.SetDefault("collab.snapshotEvery", 100)
	v.SetDefault("collab.idleTimeout", 5*time.Minute)
	v.SetDefault("collab.sweepInterval", 30*time.Second)
	v.SetDefault("collab.persistTimeout", 5*time.Second)
	v.SetDefault("collab.joinAckTimeout", 5*time.Second)
	v.SetDefault("collab.submitTimeout", 2*time.Second)
	v.SetDefault("collab.maxInflightSubmits", 100)
	v.SetDefault("collab.outboundQueueSize", 256)
	v.SetDefault("collab.pongWait", 60*time.Second)
	v.SetDefault("collab.maxMessageSize", 1<<20)
	v.SetDefault("collab.presenceTTL", 60*time.Second)

	v.SetDefault("agent.apiKey", "")
	v.SetDefault("agent.baseURL", "")
	v.SetDefault("agent.model", "gpt-4o-mini")
	v.SetDefault("agent.participantId", "agent")
	v.SetDefault("agent.displayName", "Assistant")
	v.SetDefault("agent.ratePerSecond", 0.5)
	v.SetDefault("agent.burst", 3)
	v.SetDefault("agent.maxConcurrent", 8)
	v.SetDefault("agent.timeout", 30*time.Second)

	v.SetDefault("cors.allowedOrigins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load path 为空时按 collabConfig.yaml 查找，找不到文件就只用默认值和环境变量。
// 环境变量以 COLLAB_ 开头，例如 COLLAB_KAFKA_BROKERS=a:9092,b:9092。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Running.Port <= 0 || cfg.Running.Port > 65535 {
		return nil, fmt.Errorf("invalid running.port %d", cfg.Running.Port)
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic == "" {
		return nil, errors.New("kafka.topic is required when brokers are set")
	}
	return cfg, nil
}
