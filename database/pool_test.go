package database

import (
	"testing"

	"github.com/icinga/sqlcore/config"
	"github.com/icinga/sqlcore/logging"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/semaphore"
)

func TestNewPoolFromConfig_GetAddr(t *testing.T) {
	defaultOptions := Options{MaxConnections: 16, AcquireTimeout: 1, TransactionTimeout: 1, TransactionCleanupInterval: 1, MaxConnectionsPerTable: 1, MaxPlaceholdersPerStatement: 1, MaxRowsPerTransaction: 1}

	tests := []struct {
		name string
		conf *Config
		addr string
	}{
		{
			name: "mysql-simple",
			conf: &Config{
				Type:     "mysql",
				Host:     "example.com",
				Database: "db",
				User:     "user",
				Options:  defaultOptions,
			},
			addr: "mysql://user@example.com:3306/db",
		},
		{
			name: "mysql-custom-port",
			conf: &Config{
				Type:     "mysql",
				Host:     "example.com",
				Port:     1234,
				Database: "db",
				User:     "user",
				Options:  defaultOptions,
			},
			addr: "mysql://user@example.com:1234/db",
		},
		{
			name: "mysql-tls",
			conf: &Config{
				Type:       "mysql",
				Host:       "example.com",
				Database:   "db",
				User:       "user",
				TlsOptions: config.TLS{Enable: true},
				Options:    defaultOptions,
			},
			addr: "mysql+tls://user@example.com:3306/db",
		},
		{
			name: "mysql-unix-domain-socket",
			conf: &Config{
				Type:     "mysql",
				Host:     "/var/empty/mysql.sock",
				Database: "db",
				User:     "user",
				Options:  defaultOptions,
			},
			addr: "mysql://user@(/var/empty/mysql.sock)/db",
		},
		{
			name: "pgsql-simple",
			conf: &Config{
				Type:     "pgsql",
				Host:     "example.com",
				Database: "db",
				User:     "user",
				Options:  defaultOptions,
			},
			addr: "pgsql://user@example.com:5432/db",
		},
		{
			name: "pgsql-custom-port",
			conf: &Config{
				Type:     "pgsql",
				Host:     "example.com",
				Port:     1234,
				Database: "db",
				User:     "user",
				Options:  defaultOptions,
			},
			addr: "pgsql://user@example.com:1234/db",
		},
		{
			name: "pgsql-tls",
			conf: &Config{
				Type:       "pgsql",
				Host:       "example.com",
				Database:   "db",
				User:       "user",
				TlsOptions: config.TLS{Enable: true},
				Options:    defaultOptions,
			},
			addr: "pgsql+tls://user@example.com:5432/db",
		},
		{
			name: "pgsql-unix-domain-socket",
			conf: &Config{
				Type:     "pgsql",
				Host:     "/var/empty/pgsql",
				Database: "db",
				User:     "user",
				Options:  defaultOptions,
			},
			addr: "pgsql://user@(/var/empty/pgsql/.s.PGSQL.5432)/db",
		},
		{
			name: "pgsql-unix-domain-socket-custom-port",
			conf: &Config{
				Type:     "pgsql",
				Host:     "/var/empty/pgsql",
				Port:     1234,
				Database: "db",
				User:     "user",
				Options:  defaultOptions,
			},
			addr: "pgsql://user@(/var/empty/pgsql/.s.PGSQL.1234)/db",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			reg := &PoolRegistry{}
			db, err := NewPoolFromConfig(reg, test.name, test.conf, logging.NewLogger(zaptest.NewLogger(t).Sugar(), 0))
			require.NoError(t, err)
			require.Equal(t, test.addr, db.GetAddr())
		})
	}
}

func TestPoolRegistry_RegisterGetClose(t *testing.T) {
	reg := &PoolRegistry{}
	p := &Pool{}

	require.NoError(t, reg.Register("main", p))
	require.Equal(t, "main", p.Name)

	got, ok := reg.Get("main")
	require.True(t, ok)
	require.Same(t, p, got)

	require.Error(t, reg.Register("main", &Pool{}), "registering a duplicate name must fail")

	require.NoError(t, reg.ClosePool("main"), "closing a registered, never-opened pool must not panic")
	require.NoError(t, reg.ClosePool("main"), "closing an already-closed pool is a no-op")

	_, ok = reg.Get("main")
	require.False(t, ok)
}

func TestPool_BatchSizeByPlaceholders(t *testing.T) {
	p := &Pool{Options: &Options{MaxPlaceholdersPerStatement: 100}}

	require.Equal(t, 10, p.BatchSizeByPlaceholders(10))
	require.Equal(t, 1, p.BatchSizeByPlaceholders(1000), "must never return less than 1")
}

func TestPool_GetSemaphoreForTable(t *testing.T) {
	p := &Pool{
		Options:         &Options{MaxConnectionsPerTable: 4},
		tableSemaphores: make(map[string]*semaphore.Weighted),
	}

	sem1 := p.GetSemaphoreForTable("host")
	sem2 := p.GetSemaphoreForTable("host")
	require.Same(t, sem1, sem2, "the same table must always get the same semaphore")

	sem3 := p.GetSemaphoreForTable("service")
	require.NotSame(t, sem1, sem3, "different tables must get different semaphores")
}
