package backup

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/imedwei/db-backup-agent/internal/utils"
)

var pgVersionPattern = regexp.MustCompile(`PostgreSQL (\d+)(?:\.(\d+))?`)

// pg_dump major versions shipped in the container image, newest first.
var availablePGVersions = []int{17, 16, 15}

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// PGVersion represents a PostgreSQL version
type PGVersion struct {
	Major int
	Minor int
	Full  string
}

// ParsePGVersion parses the output of SELECT version(), e.g.
// "PostgreSQL 16.2 on x86_64-pc-linux-gnu".
func ParsePGVersion(versionStr string) (*PGVersion, error) {
	matches := pgVersionPattern.FindStringSubmatch(versionStr)
	if matches == nil {
		return nil, fmt.Errorf("could not parse PostgreSQL version from: %s", versionStr)
	}

	major, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid major version: %s", matches[1])
	}

	var minor int
	if matches[2] != "" {
		minor, err = strconv.Atoi(matches[2])
		if err != nil {
			return nil, fmt.Errorf("invalid minor version: %s", matches[2])
		}
	}

	return &PGVersion{
		Major: major,
		Minor: minor,
		Full:  versionStr,
	}, nil
}

// GetServerVersion asks the server for its version over a short-lived
// connection.
func GetServerVersion(ctx context.Context, connectionURL string) (*PGVersion, error) {
	pool, err := utils.NewConnectionPool(ctx, connectionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get server version: %w", err)
	}
	defer pool.Close()

	info, err := pool.GetDatabaseInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get server version: %w", err)
	}
	return ParsePGVersion(info.Version)
}

// FindBestPGDump finds the best pg_dump binary for the given server version.
// pg_dump can read from older servers but not newer ones, so the search
// prefers an exact match, then the closest newer client.
func FindBestPGDump(serverVersion *PGVersion) (string, error) {
	targetVersion := serverVersion.Major
	if last := availablePGVersions[len(availablePGVersions)-1]; targetVersion < last {
		targetVersion = last
	}

	candidates := []string{fmt.Sprintf("pg_dump%d", targetVersion)}
	for i := len(availablePGVersions) - 1; i >= 0; i-- {
		if v := availablePGVersions[i]; v > targetVersion {
			candidates = append(candidates, fmt.Sprintf("pg_dump%d", v))
		}
	}
	candidates = append(candidates, "pg_dump")

	for _, bin := range candidates {
		if _, err := lookPath(bin); err == nil {
			return bin, nil
		}
	}

	return "", fmt.Errorf("no suitable pg_dump found for PostgreSQL %d", serverVersion.Major)
}
