package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/gocql/gocql"

	"github.com/acme/order-dispatch/internal/config"
)

// Scylla wraps the gocql session backing the attempt log.
type Scylla struct {
	session *gocql.Session
}

// NewScylla creates a token aware session for the attempt log keyspace.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	consistency, err := parseConsistency(cfg.Consistency)
	if err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = consistency
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	return &Scylla{session: session}, nil
}

// Ping runs a trivial query against the local node.
func (s *Scylla) Ping(ctx context.Context) error {
	return s.session.Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

// parseConsistency accepts names such as "local_quorum" or "LOCAL_QUORUM".
// Empty defaults to quorum.
func parseConsistency(level string) (gocql.Consistency, error) {
	if strings.TrimSpace(level) == "" {
		return gocql.Quorum, nil
	}
	c, err := gocql.ParseConsistencyWrapper(strings.ToUpper(strings.TrimSpace(level)))
	if err != nil {
		return 0, fmt.Errorf("scylla: consistency %q: %w", level, err)
	}
	return c, nil
}
