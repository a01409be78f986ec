package utils

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ExtractServerNameFromConnectionString extracts the server name from a
// PostgreSQL connection string, either a postgres:// URL or a key=value DSN.
// Local hosts (localhost, IP addresses, unix sockets) are replaced by the
// machine's hostname so that lock names stay unique per server.
func ExtractServerNameFromConnectionString(connectionString string) (string, error) {
	cfg, err := pgconn.ParseConfig(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse connection string: %w", err)
	}

	host := cfg.Host
	if host == "" {
		return "", fmt.Errorf("server name not found in connection string")
	}

	if strings.HasPrefix(host, "/") || strings.EqualFold(host, "localhost") || isIPAddress(host) {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		host = hostname
	}

	serverName := strings.Split(host, ".")[0]
	return strings.ToLower(serverName), nil
}

// isIPAddress checks if a host is an IPv4 or IPv6 address
func isIPAddress(host string) bool {
	return net.ParseIP(strings.Trim(host, "[]")) != nil
}
