package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".vitalplan/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"vitalplan/"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
}

type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDContact    string `envconfig:"VAPID_CONTACT" default:"mailto:ops@vitalplan.dev"`
}

type PlannerEnv struct {
	PlannerTimeout time.Duration `envconfig:"PLANNER_TIMEOUT" default:"2m"`
	AgentTimeout   time.Duration `envconfig:"AGENT_TIMEOUT" default:"5m"`
	ScriptWorkDir  string        `envconfig:"SCRIPT_WORK_DIR" default:"."`
	// ApprovalDefaultsPath points at the YAML file holding the default
	// approval policy. Edits are hot-reloaded.
	ApprovalDefaultsPath string `envconfig:"APPROVAL_DEFAULTS_PATH" default:".vitalplan/approval.yaml"`
}

type Env struct {
	BaseEnv
	StorageEnv
	VAPIDEnv
	PlannerEnv
}

const namespace = "VITALPLAN"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func VAPIDEnvFromEnv(env *Env) *VAPIDEnv {
	return &env.VAPIDEnv
}

func PlannerEnvFromEnv(env *Env) *PlannerEnv {
	return &env.PlannerEnv
}
