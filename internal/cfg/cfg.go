// Package cfg binds server configuration to command line flags.
//
// Every setting is a flag with its default inline. Values not given on the
// command line come from the environment (flag "foo-bar" reads
// PREFIX_FOO_BAR), then from an optional YAML file, then the default.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/keithlinneman/linnemanlabs-social/internal/log"
	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

// EnvPrefix is prepended to upper-cased flag names.
const EnvPrefix = "LMSOCIAL_"

type App struct {
	ConfigFile string

	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort         int
	AdminPort        int
	TrustedProxyHops int
	CORSOrigins      string
	RateLimitRPS     float64
	RateLimitBurst   int
	EnableConsole    bool

	UploadMaxBytes      int64
	UploadVerifyContent bool

	StorageDriver   string
	StorageRoot     string
	StorageS3Bucket string
	StorageS3Prefix string

	DBDriver        string
	DBPath          string
	DBHost          string
	DBPort          int
	DBUser          string
	DBPassword      string
	DBPasswordParam string
	DBName          string
	DBSSLMode       string
	DBMaxOpenConns  int

	AuthPublicKeyFile string
	AuthKMSKeyARN     string

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	OTLPInsecure    bool
	OTLPCAFile      string
	TraceSample     float64
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML config file; keys are flag names, nested maps join with '-'")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 3000, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the server whose X-Forwarded-For is trusted")
	fs.StringVar(&c.CORSOrigins, "cors-origins", "*", "comma-separated origins allowed to call the API, * for any")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 10, "per-client request rate, 0 disables rate limiting")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 40, "per-client burst")
	fs.BoolVar(&c.EnableConsole, "enable-console", true, "Serve the interactive GraphQL console on GET /graphql")

	fs.Int64Var(&c.UploadMaxBytes, "upload-max-bytes", 10<<20, "maximum request body size on /graphql in bytes")
	fs.BoolVar(&c.UploadVerifyContent, "upload-verify-content", true, "Sniff uploaded bytes and drop files that are not PNG or JPEG")

	fs.StringVar(&c.StorageDriver, "storage-driver", "disk", "disk|s3")
	fs.StringVar(&c.StorageRoot, "storage-root", "./data", "root directory for the disk storage driver")
	fs.StringVar(&c.StorageS3Bucket, "storage-s3-bucket", "", "s3 bucket for the s3 storage driver")
	fs.StringVar(&c.StorageS3Prefix, "storage-s3-prefix", "", "s3 key prefix for the s3 storage driver")

	fs.StringVar(&c.DBDriver, "db-driver", "sqlite", "sqlite|postgres")
	fs.StringVar(&c.DBPath, "db-path", "./data/social.db", "sqlite database file")
	fs.StringVar(&c.DBHost, "db-host", "", "postgres host")
	fs.IntVar(&c.DBPort, "db-port", 5432, "postgres port")
	fs.StringVar(&c.DBUser, "db-user", "", "postgres user")
	fs.StringVar(&c.DBPassword, "db-password", "", "postgres password")
	fs.StringVar(&c.DBPasswordParam, "db-password-ssm-param", "", "ssm SecureString parameter holding the postgres password")
	fs.StringVar(&c.DBName, "db-name", "", "postgres database name")
	fs.StringVar(&c.DBSSLMode, "db-sslmode", "require", "postgres sslmode")
	fs.IntVar(&c.DBMaxOpenConns, "db-max-open-conns", 10, "maximum open database connections (postgres)")

	fs.StringVar(&c.AuthPublicKeyFile, "auth-public-key-file", "", "PEM public key used to verify bearer tokens")
	fs.StringVar(&c.AuthKMSKeyARN, "auth-kms-key-arn", "", "KMS key ARN whose public key verifies bearer tokens")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", true, "plaintext gRPC to the collector")
	fs.StringVar(&c.OTLPCAFile, "otlp-ca-file", "", "CA bundle for a TLS collector")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
}

// LoadDotEnv reads KEY=VALUE files into the environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return xerrors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

// readFile flattens a YAML document into flag-name keys.
func readFile(path string) (map[string]string, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, xerrors.Wrapf(err, "read config file %s", path)
	}
	out := make(map[string]string, len(k.Keys()))
	for _, key := range k.Keys() {
		name := strings.ReplaceAll(key, ".", "-")
		switch v := k.Get(key).(type) {
		case []any:
			parts := make([]string, len(v))
			for i, e := range v {
				parts[i] = fmt.Sprint(e)
			}
			out[name] = strings.Join(parts, ",")
		default:
			out[name] = fmt.Sprint(v)
		}
	}
	return out, nil
}

// Resolve fills every flag not passed on the command line, from the
// environment first and then from the YAML file at path (if any).
// Invalid values are reported through logf and leave the flag unchanged.
func Resolve(fs *flag.FlagSet, prefix, path string, logf func(string, ...any)) error {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	var fromFile map[string]string
	if path != "" {
		var err error
		if fromFile, err = readFile(path); err != nil {
			return err
		}
		for name := range fromFile {
			if fs.Lookup(name) == nil {
				logf("config file %s: unknown key %q", path, name)
			}
		}
	}

	fs.VisitAll(func(f *flag.Flag) {
		if f.Name == "config" {
			return
		}
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if explicit[f.Name] {
			if envSet {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		val, source := envVal, "env "+key
		if !envSet {
			fv, ok := fromFile[f.Name]
			if !ok {
				return
			}
			val, source = fv, "config file key "+f.Name
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, val); err != nil {
			_ = fs.Set(f.Name, prev)
			logf("flag -%s: ignoring invalid %s=%q: %v", f.Name, source, val, err)
		}
	})
	return nil
}

// FillFromEnv is Resolve without a config file.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	_ = Resolve(fs, prefix, "", logf)
}

// Origins splits CORSOrigins. An empty result allows any origin.
func (c App) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !validPort(c.HTTPPort) {
		add("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if !validPort(c.AdminPort) {
		add("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		add("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.TrustedProxyHops < 0 {
		add("TRUSTED_PROXY_HOPS must be >= 0 (got %d)", c.TrustedProxyHops)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		add("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			add("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		add("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.RateLimitRPS < 0 {
		add("RATE_LIMIT_RPS must be >= 0 (got %g)", c.RateLimitRPS)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		add("RATE_LIMIT_BURST must be >= 1 when rate limiting is enabled (got %d)", c.RateLimitBurst)
	}
	if c.UploadMaxBytes < 1 {
		add("UPLOAD_MAX_BYTES must be positive (got %d)", c.UploadMaxBytes)
	}
	for _, o := range c.Origins() {
		if o == "*" {
			continue
		}
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			add("CORS_ORIGINS entry %q is not an origin (scheme://host[:port])", o)
		}
	}

	switch c.StorageDriver {
	case "disk":
		if c.StorageRoot == "" {
			add("STORAGE_ROOT is required for the disk storage driver")
		}
	case "s3":
		if c.StorageS3Bucket == "" {
			add("STORAGE_S3_BUCKET is required for the s3 storage driver")
		}
	default:
		add("invalid STORAGE_DRIVER %q (must be disk|s3)", c.StorageDriver)
	}

	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			add("DB_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.DBHost == "" || c.DBName == "" {
			add("DB_HOST and DB_NAME are required for the postgres driver")
		}
		if !validPort(c.DBPort) {
			add("invalid DB_PORT %d (must be 1..65535)", c.DBPort)
		}
		if c.DBPassword != "" && c.DBPasswordParam != "" {
			add("set only one of DB_PASSWORD and DB_PASSWORD_SSM_PARAM")
		}
	default:
		add("invalid DB_DRIVER %q (must be sqlite|postgres)", c.DBDriver)
	}

	if c.AuthPublicKeyFile != "" && c.AuthKMSKeyARN != "" {
		add("set only one of AUTH_PUBLIC_KEY_FILE and AUTH_KMS_KEY_ARN")
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		add("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			add("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			add("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			add("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			add("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}

	return errors.Join(errs...)
}
