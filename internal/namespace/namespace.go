// Package namespace resolves the environment-specific table prefix so every
// repository and raw SQL statement addresses the same set of tables. Object
// keys are scoped by the same environment.
package namespace

import (
	"strings"

	"gorm.io/gorm/schema"
)

// Namespace is an immutable table-name prefix.
type Namespace struct {
	prefix string
}

// New returns a Namespace using prefix verbatim.
func New(prefix string) *Namespace {
	return &Namespace{prefix: prefix}
}

// ForEnvironment derives the namespace for a deployment environment.
// Production tables are unprefixed; every other environment gets "<env>_".
// A non-empty override always wins.
func ForEnvironment(env, override string) *Namespace {
	if override != "" {
		return New(override)
	}
	env = sanitize(env)
	switch env {
	case "", "prod", "production":
		return New("")
	}
	return New(env + "_")
}

// Prefix returns the raw prefix, possibly empty.
func (n *Namespace) Prefix() string {
	return n.prefix
}

// Table returns the fully qualified table name for base, e.g. "raw_lines".
func (n *Namespace) Table(base string) string {
	return n.prefix + base
}

// Index returns a namespaced index name. Index names share one scope per
// schema in PostgreSQL, so they must carry the prefix too.
func (n *Namespace) Index(name string) string {
	return "idx_" + n.prefix + name
}

// ObjectPrefix scopes an object key prefix the same way tables are scoped:
// "uploads" in production, "dev/uploads" for the dev environment.
func (n *Namespace) ObjectPrefix(base string) string {
	env := strings.TrimSuffix(n.prefix, "_")
	if env == "" {
		return base
	}
	return env + "/" + base
}

// NamingStrategy returns the gorm naming strategy that applies the prefix to
// every model table.
func (n *Namespace) NamingStrategy() schema.NamingStrategy {
	return schema.NamingStrategy{TablePrefix: n.prefix}
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-' || r == '.':
			b.WriteRune('_')
		}
	}
	return b.String()
}
