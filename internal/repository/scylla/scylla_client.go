package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"auth-core/internal/config"
	"auth-core/internal/util"
)

const createSecurityEventsTable = `
	CREATE TABLE IF NOT EXISTS security_events (
		event_bucket int,
		event_date   text,
		event_time   timestamp,
		event_id     uuid,
		user_id      text,
		event_type   text,
		ip_address   inet,
		user_agent   text,
		request_id   text,
		details      text,
		PRIMARY KEY ((event_bucket, event_date), event_time, event_id)
	) WITH CLUSTERING ORDER BY (event_time DESC, event_id ASC)
	  AND default_time_to_live = 31536000`

type ScyllaClient struct {
	Session *gocql.Session
}

// NewScyllaClient connects to the security-event archive. Outside development
// the cluster requires client TLS from the SCYLLA_* certificate paths.
func NewScyllaClient(cfg config.ScyllaConfig, isDev bool) (*ScyllaClient, error) {
	cluster := gocql.NewCluster(cfg.Nodes...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 2
	cluster.SocketKeepalive = 30 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !isDev {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/etc/auth-core/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/etc/auth-core/certs/client.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/etc/auth-core/certs/client.key"),
			EnableHostVerification: true,
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	if err := session.Query(createSecurityEventsTable).Exec(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create security_events table: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", cfg.Nodes),
		zap.String("keyspace", cfg.Keyspace))

	return &ScyllaClient{Session: session}, nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}
