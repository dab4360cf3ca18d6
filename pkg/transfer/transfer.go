// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keylifecycle.
//
// go-keylifecycle is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package transfer ships backup archives to remote targets over an
// authenticated channel. Remote copies are best-effort from the backup
// manager's point of view: a failed upload is reported but never
// invalidates the local archive.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrBadTarget is returned when a remote target string cannot be
// parsed.
var ErrBadTarget = errors.New("transfer: malformed target")

// Transport copies local artifacts to a remote destination.
type Transport interface {
	// Name identifies the transport in logs and reports.
	Name() string

	// Upload copies a local file to the remote path, creating it with
	// owner-only permissions.
	Upload(ctx context.Context, localPath, remotePath string) error

	// Close releases the connection.
	Close() error
}

// Target is a parsed scp-style destination: user@host:/path.
type Target struct {
	User string
	Host string
	Path string
}

// ParseTarget parses an scp-style "user@host:/path" destination. The
// user defaults to the empty string (caller decides a fallback); the
// path must be absolute so uploads land in a predictable place.
func ParseTarget(s string) (*Target, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty target", ErrBadTarget)
	}

	target := &Target{}
	rest := s
	if at := strings.Index(rest, "@"); at >= 0 {
		target.User = rest[:at]
		rest = rest[at+1:]
		if target.User == "" {
			return nil, fmt.Errorf("%w: empty user in %q", ErrBadTarget, s)
		}
	}

	colon := strings.Index(rest, ":")
	if colon < 0 {
		return nil, fmt.Errorf("%w: missing path in %q", ErrBadTarget, s)
	}
	target.Host = rest[:colon]
	target.Path = rest[colon+1:]

	if target.Host == "" {
		return nil, fmt.Errorf("%w: empty host in %q", ErrBadTarget, s)
	}
	if !strings.HasPrefix(target.Path, "/") {
		return nil, fmt.Errorf("%w: path must be absolute in %q", ErrBadTarget, s)
	}
	return target, nil
}

// String renders the target back to scp form.
func (t *Target) String() string {
	if t.User == "" {
		return t.Host + ":" + t.Path
	}
	return t.User + "@" + t.Host + ":" + t.Path
}
