package driver

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParsedConn is the result of parsing one of the supported connection
// strings: sqlite:///<path>, postgres://[user[:password]@]host[:port]/db
// [?params], mysql://... and mariadb://... (same shape as postgres).
type ParsedConn struct {
	Tag      Tag
	Path     string // sqlite only: filesystem path; empty or ":memory:" = in-memory
	Host     string
	Port     int
	User     string
	Password string // from the URI; overridden by an out-of-band password
	Database string
	Params   url.Values
}

// ParseConnString resolves the URI scheme to a Tag and extracts the
// pieces each driver needs. It does not open anything.
func ParseConnString(connstr string) (ParsedConn, error) {
	u, err := url.Parse(connstr)
	if err != nil {
		return ParsedConn{}, fmt.Errorf("invalid connection string: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "sqlite":
		path := u.Path
		if path == "" && u.Opaque != "" {
			path = u.Opaque
		}
		return ParsedConn{Tag: TagSQLite, Path: path}, nil

	case "postgres", "postgresql":
		return parseNetworkConn(u, TagPostgres)

	case "mysql":
		return parseNetworkConn(u, TagMySQL)

	case "mariadb":
		return parseNetworkConn(u, TagMariaDB)

	default:
		// An unrecognised scheme isn't necessarily invalid: whether it's
		// actually supported is decided one layer up, when Open looks the
		// tag up in the driver registry. Parsing it generically here (kept
		// permissive mainly so test doubles can register their own scheme
		// tags without this package knowing about them) avoids duplicating
		// that check.
		return parseNetworkConn(u, Tag(strings.ToLower(u.Scheme)))
	}
}

func parseNetworkConn(u *url.URL, tag Tag) (ParsedConn, error) {
	pc := ParsedConn{Tag: tag, Params: u.Query()}

	host := u.Hostname()
	portStr := u.Port()
	port := 0
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return ParsedConn{}, fmt.Errorf("invalid port %q: %w", portStr, err)
		}
		port = p
	}
	pc.Host = host
	pc.Port = port

	if u.User != nil {
		pc.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			pc.Password = pw
		}
	}

	pc.Database = strings.TrimPrefix(u.Path, "/")
	return pc, nil
}

// ResolvePassword applies the password precedence rule: an out-of-band
// password field always wins over one embedded in the connection string
// URI.
func ResolvePassword(parsed ParsedConn, outOfBand string) string {
	if outOfBand != "" {
		return outOfBand
	}
	return parsed.Password
}
