package backup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/imedwei/db-backup-agent/internal/utils"
)

const versionDetectTimeout = 10 * time.Second

// PostgresDump produces custom-format archives with pg_dump.
type PostgresDump struct {
	connectionURL string
	options       []string
	dumper        *commandDumper
	logger        *slog.Logger
	retry         utils.RetryConfig
}

// NewPostgresDump creates a pg_dump producer. connectionURL is used for
// Describe and version detection; Dump takes its own URI.
func NewPostgresDump(connectionURL, options, compression string, logger *slog.Logger) *PostgresDump {
	logger = logger.With("component", "pg_dump")
	return &PostgresDump{
		connectionURL: connectionURL,
		options:       splitOptions(options),
		dumper: &commandDumper{
			tool:        "pg_dump",
			compression: compression,
			logger:      logger,
		},
		logger: logger,
		retry:  utils.DefaultRetryConfig(),
	}
}

// Name implements Producer.
func (p *PostgresDump) Name() string {
	return "pg_dump"
}

// Dump implements Producer.
func (p *PostgresDump) Dump(ctx context.Context, connectionURI, destPath string) error {
	bin := p.selectBinary(ctx, connectionURI)
	p.logger.Info("Dumping database", "uri", redactURI(connectionURI), "binary", bin)
	return p.dumper.run(ctx, bin, p.args(connectionURI), destPath)
}

func (p *PostgresDump) args(connectionURI string) []string {
	args := []string{"--format=custom", "--no-password"}
	args = append(args, p.options...)
	return append(args, connectionURI)
}

// selectBinary picks the pg_dump matching the server, falling back to the
// plain binary when the server cannot be reached yet.
func (p *PostgresDump) selectBinary(ctx context.Context, connectionURI string) string {
	ctx, cancel := context.WithTimeout(ctx, versionDetectTimeout)
	defer cancel()

	version, err := GetServerVersion(ctx, connectionURI)
	if err != nil {
		p.logger.Warn("Could not detect PostgreSQL version, using default pg_dump", "error", err)
		return "pg_dump"
	}
	p.logger.Info("Detected PostgreSQL version", "version", version.Full, "major", version.Major)

	bin, err := FindBestPGDump(version)
	if err != nil {
		p.logger.Warn("Falling back to default pg_dump", "error", err)
		return "pg_dump"
	}
	return bin
}

// Describe implements Describer. It waits for a cold-booting database using
// the DB_RETRY_* settings.
func (p *PostgresDump) Describe(ctx context.Context) (*DatabaseInfo, error) {
	pool, err := utils.NewConnectionPoolWithRetry(ctx, p.connectionURL, p.retry)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	info, err := pool.GetDatabaseInfo(ctx)
	if err != nil {
		return nil, err
	}

	version := info.Version
	if v, err := ParsePGVersion(info.Version); err == nil {
		version = fmt.Sprintf("%d.%d", v.Major, v.Minor)
	}

	return &DatabaseInfo{
		Name:    info.Name,
		Size:    info.Size,
		Version: version,
	}, nil
}
