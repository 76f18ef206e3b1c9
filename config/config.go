// Package config loads the settings of an export job from a YAML job file,
// with environment variable overrides.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/caio-sobreiro/rtexport/types"
)

const (
	// DefaultSettle bounds the wait for moved objects after each transfer.
	DefaultSettle = 2 * time.Second

	// DefaultRetryInterval is the pause between association attempts.
	DefaultRetryInterval = time.Second

	// KeyFileName is the anonymization key file kept in the export root.
	KeyFileName = "AnonymizationKey.json"
)

// Archive is the remote query/retrieve SCP.
type Archive struct {
	Host           string        `yaml:"host" env:"RTEXPORT_ARCHIVE_HOST, overwrite" validate:"required,hostname_rfc1123|ip"`
	Port           int           `yaml:"port" env:"RTEXPORT_ARCHIVE_PORT, overwrite" validate:"min=1,max=65535"`
	AETitle        string        `yaml:"aeTitle" env:"RTEXPORT_ARCHIVE_AE_TITLE, overwrite" validate:"required,aetitle"`
	ConnectRetries uint64        `yaml:"connectRetries" env:"RTEXPORT_CONNECT_RETRIES, overwrite" validate:"max=10"`
	RetryInterval  time.Duration `yaml:"retryInterval" env:"RTEXPORT_RETRY_INTERVAL, overwrite" validate:"gte=0"`
	Timeout        time.Duration `yaml:"timeout" env:"RTEXPORT_ARCHIVE_TIMEOUT, overwrite" validate:"gte=0"`
}

// Address returns host:port.
func (a Archive) Address() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Local is the AE the archive moves objects to.
type Local struct {
	AETitle string `yaml:"aeTitle" env:"RTEXPORT_LOCAL_AE_TITLE, overwrite" validate:"required,aetitle"`
	Host    string `yaml:"host" env:"RTEXPORT_LOCAL_HOST, overwrite"`
	Port    int    `yaml:"port" env:"RTEXPORT_LOCAL_PORT, overwrite" validate:"min=1,max=65535"`
}

// ListenAddress returns the address the receiver listens on.
func (l Local) ListenAddress() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// Session is the configuration of one export job. It is read once at start
// and not changed during the run.
type Session struct {
	Archive Archive `yaml:"archive"`
	Local   Local   `yaml:"local"`

	ExportRoot        string        `yaml:"exportRoot" env:"RTEXPORT_EXPORT_ROOT, overwrite" validate:"required"`
	Anonymize         bool          `yaml:"anonymize" env:"RTEXPORT_ANONYMIZE, overwrite"`
	AnonymizationSalt string        `yaml:"anonymizationSalt" env:"RTEXPORT_ANONYMIZATION_SALT, overwrite" validate:"required_if=Anonymize true"`
	KeyFile           string        `yaml:"keyFile" env:"RTEXPORT_KEY_FILE, overwrite"`
	Settle            time.Duration `yaml:"settle" env:"RTEXPORT_SETTLE, overwrite" validate:"gte=0"`
	LogLevel          string        `yaml:"logLevel" env:"RTEXPORT_LOG_LEVEL, overwrite" validate:"omitempty,oneof=debug info warn error"`

	// DataTypes is nil when the job file has no dataTypes section.
	DataTypes            *types.DataTypeToggles       `yaml:"dataTypes"`
	RegisteredModalities types.RegistrationModalities `yaml:"registeredModalities"`

	Requests []types.ExportRequest `yaml:"requests" validate:"required,min=1,dive"`
}

// Load reads the job file at path, applies overrides from lookuper and
// defaults, and validates the result.
func Load(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Session, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(ctx, raw, lookuper)
}

// Parse is Load for a job file already in memory.
func Parse(ctx context.Context, raw []byte, lookuper envconfig.Lookuper) (*Session, error) {
	var s Session
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("config: parsing job file: %w", err)
	}

	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &s, lookuper); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Session) applyDefaults() {
	if s.Settle == 0 {
		s.Settle = DefaultSettle
	}
	if s.Archive.RetryInterval == 0 {
		s.Archive.RetryInterval = DefaultRetryInterval
	}
	if s.KeyFile == "" && s.ExportRoot != "" {
		s.KeyFile = filepath.Join(s.ExportRoot, KeyFileName)
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.DataTypes == nil {
		s.DataTypes = &types.DataTypeToggles{Examination: true, Structure: true, Plan: true, Dose: true, Registration: true}
	}
}

// Level returns the configured log level.
func (s *Session) Level() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	validate = newValidator()

	// AE titles are up to 16 characters of the default repertoire without
	// backslash or control characters.
	aeTitlePattern = regexp.MustCompile(`^[ -\[\]-~]{1,16}$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("aetitle", validateAETitle); err != nil {
		panic(fmt.Sprintf("config: registering aetitle validation: %v", err))
	}
	v.RegisterStructValidation(validateRequest, types.ExportRequest{})
	return v
}

func validateAETitle(fl validator.FieldLevel) bool {
	ae := fl.Field().String()
	return strings.TrimSpace(ae) != "" && aeTitlePattern.MatchString(ae)
}

func validateRequest(sl validator.StructLevel) {
	req := sl.Current().Interface().(types.ExportRequest)
	if strings.TrimSpace(req.MRN) == "" {
		sl.ReportError(req.MRN, "MRN", "MRN", "required", "")
	} else if strings.ContainsAny(req.MRN, `*?\`) {
		// Matched as a C-FIND wildcard or value separator by the archive.
		sl.ReportError(req.MRN, "MRN", "MRN", "nowildcard", "")
	}
	if strings.TrimSpace(req.Exam.Name) == "" {
		sl.ReportError(req.Exam.Name, "Exam.Name", "Name", "required", "")
	}
	if req.Exam.SeriesInstanceUID == "" {
		sl.ReportError(req.Exam.SeriesInstanceUID, "Exam.SeriesInstanceUID", "SeriesInstanceUID", "required", "")
	}
}

// Validate checks the session for missing or malformed settings.
func (s *Session) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config: invalid session: %s", strings.Join(msgs, "; "))
}
