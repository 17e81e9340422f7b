package backup

import (
	"context"
	"log/slog"
)

// MongoDump produces archives with mongodump.
type MongoDump struct {
	binary  string
	options []string
	dumper  *commandDumper
}

// NewMongoDump creates a mongodump producer. options are extra command line
// flags, split on whitespace.
func NewMongoDump(options, compression string, logger *slog.Logger) *MongoDump {
	return &MongoDump{
		binary:  "mongodump",
		options: splitOptions(options),
		dumper: &commandDumper{
			tool:        "mongodump",
			compression: compression,
			logger:      logger.With("component", "mongodump"),
		},
	}
}

// Name implements Producer.
func (m *MongoDump) Name() string {
	return "mongodump"
}

// Dump implements Producer. The archive is written to stdout and streamed to
// destPath.
func (m *MongoDump) Dump(ctx context.Context, connectionURI, destPath string) error {
	m.dumper.logger.Info("Dumping database", "uri", redactURI(connectionURI))
	return m.dumper.run(ctx, m.binary, m.args(connectionURI), destPath)
}

func (m *MongoDump) args(connectionURI string) []string {
	args := []string{"--uri=" + connectionURI, "--archive"}
	return append(args, m.options...)
}
