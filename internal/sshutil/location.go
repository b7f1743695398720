// Package sshutil parses pyznap's `ssh:PORT:USER@HOST:DATASET` location
// syntax and builds subprocess-based SSH transport: shelling out to a system
// ssh binary per spec.md §4.B, never speaking the protocol in-process.
package sshutil

import (
	"fmt"
	"strconv"
	"strings"
)

// Location is a fully-qualified reference to a dataset, either local or
// reached over SSH (spec.md §3).
type Location struct {
	Remote bool
	User   string
	Host   string
	Port   int
	Key    string
	Path   string
}

// String renders the location back to its wire syntax.
func (l Location) String() string {
	if !l.Remote {
		return l.Path
	}
	port := ""
	if l.Port != 0 && l.Port != 22 {
		port = strconv.Itoa(l.Port)
	}
	return fmt.Sprintf("ssh:%s:%s@%s:%s", port, l.User, l.Host, l.Path)
}

// ParseLocation parses the `ssh:PORT:USER@HOST:DATASET` syntax; a string with
// no "ssh:" prefix is a local location (spec.md §6).
func ParseLocation(s string) (Location, error) {
	if !strings.HasPrefix(s, "ssh:") {
		return Location{Path: s}, nil
	}

	rest := strings.TrimPrefix(s, "ssh:")
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return Location{}, fmt.Errorf("sshutil: malformed location %q, want ssh:PORT:USER@HOST:DATASET", s)
	}

	portStr, userHost, dataset := parts[0], parts[1], parts[2]

	port := 22
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 || p > 65535 {
			return Location{}, fmt.Errorf("sshutil: invalid port %q in location %q", portStr, s)
		}
		port = p
	}

	userAt := strings.SplitN(userHost, "@", 2)
	if len(userAt) != 2 || userAt[0] == "" || userAt[1] == "" {
		return Location{}, fmt.Errorf("sshutil: malformed user@host %q in location %q", userHost, s)
	}
	if dataset == "" {
		return Location{}, fmt.Errorf("sshutil: missing dataset path in location %q", s)
	}

	return Location{
		Remote: true,
		User:   userAt[0],
		Host:   userAt[1],
		Port:   port,
		Path:   dataset,
	}, nil
}
