// Package identity translates numeric user ids reported by the GPU exporter
// into usernames for display.
package identity

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LoadFile reads a headerless "<id>,<username>" table. Later rows win on
// duplicate ids.
func LoadFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity table: %w", err)
	}
	defer f.Close()

	users, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity table %s: %w", path, err)
	}
	return users, nil
}

// Parse reads the identity table from r. Rows without both columns are skipped.
func Parse(r io.Reader) (map[string]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	users := make(map[string]string)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) < 2 || record[0] == "" {
			continue
		}
		users[strings.TrimSpace(record[0])] = strings.TrimSpace(record[1])
	}
	return users, nil
}

// Resolver looks up a single id in the system identity service. Lookups are
// expected to honour ctx and may fail.
type Resolver interface {
	Resolve(ctx context.Context, id string) (string, error)
}

var ErrNotFound = errors.New("id not found")

// GetentResolver shells out to `getent passwd <id>`.
type GetentResolver struct {
	Command string
}

func (g GetentResolver) Resolve(ctx context.Context, id string) (string, error) {
	command := g.Command
	if command == "" {
		command = "getent"
	}
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, command, "passwd", id)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s passwd %s: %w", command, id, err)
	}
	return parsePasswd(stdout.String())
}

func parsePasswd(line string) (string, error) {
	name, _, found := strings.Cut(strings.TrimSpace(line), ":")
	if !found || name == "" {
		return "", ErrNotFound
	}
	return name, nil
}

// Directory answers id lookups for one run: the static table first, then the
// optional resolver. Every answer is remembered so an id resolves the same
// way for the lifetime of the Directory.
type Directory struct {
	users    map[string]string
	misses   map[string]struct{}
	resolver Resolver
	timeout  time.Duration
	logger   *zap.Logger
}

type Option func(*Directory)

// WithResolver enables the fallback lookup, bounded by timeout per id.
func WithResolver(r Resolver, timeout time.Duration) Option {
	return func(d *Directory) {
		d.resolver = r
		d.timeout = timeout
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Directory) {
		d.logger = l
	}
}

func NewDirectory(users map[string]string, opts ...Option) *Directory {
	d := &Directory{
		users:  make(map[string]string, len(users)),
		misses: make(map[string]struct{}),
		logger: zap.NewNop(),
	}
	for id, name := range users {
		d.users[id] = name
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Lookup returns the username for id, or id itself when it cannot be resolved.
func (d *Directory) Lookup(ctx context.Context, id string) string {
	if name, ok := d.users[id]; ok {
		return name
	}
	if _, ok := d.misses[id]; ok || d.resolver == nil {
		return id
	}

	lookupCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	name, err := d.resolver.Resolve(lookupCtx, id)
	if err != nil || name == "" {
		d.logger.Debug("identity fallback failed, using raw id", zap.String("id", id), zap.Error(err))
		d.misses[id] = struct{}{}
		return id
	}
	d.users[id] = name
	return name
}

// Len is the number of ids with a known username.
func (d *Directory) Len() int {
	return len(d.users)
}
