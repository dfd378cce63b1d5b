package database

import (
	"context"
	"database/sql"
	stddriver "database/sql/driver"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/icinga/sqlcore/backoff"
	"github.com/icinga/sqlcore/com"
	"github.com/icinga/sqlcore/driver"
	"github.com/icinga/sqlcore/ir"
	"github.com/icinga/sqlcore/logging"
	"github.com/icinga/sqlcore/periodic"
	"github.com/icinga/sqlcore/retry"
	"github.com/icinga/sqlcore/sqlbuilder"
	"github.com/icinga/sqlcore/strcase"
	"github.com/icinga/sqlcore/utils"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/reflectx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"modernc.org/sqlite"
)

// Dialect names the SQL backend a Pool was opened against. It doubles as the driver name
// registered with database/sql, exactly as the teacher's MySQL/PostgreSQL constants do.
type Dialect = string

const (
	MySQL      = driver.MySQL
	PostgreSQL = driver.PostgreSQL
	SQLite     = driver.SQLite
)

// ToSqlbuilderDialect maps a database/sql driver name to the Dialect enum sqlbuilder.Build
// expects, which is a distinct type so the compiler (unlike here) can never compile in a
// statement for a dialect its IR wasn't built for. Exported so the txn package can compile
// statements against a pinned transaction connection the same way Execute/Query do.
func ToSqlbuilderDialect(name string) sqlbuilder.Dialect {
	switch name {
	case MySQL:
		return sqlbuilder.MySQL
	case PostgreSQL:
		return sqlbuilder.Postgres
	case SQLite:
		return sqlbuilder.SQLite
	default:
		return sqlbuilder.Dialect(name)
	}
}

// Options define user configurable pool options, generalising the teacher's single-DB
// Options (max_connections/max_connections_per_table/max_placeholders_per_statement/
// max_rows_per_transaction/wsrep_sync_wait) with the pool-lifecycle and
// transaction-lifecycle settings a named, concurrency-safe registry needs.
type Options struct {
	// MaxConnections is the maximum number of open connections to the database.
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS" default:"16"`

	// MinConnections is the floor on the number of idle connections the Pool retains: the
	// idle limit is set to max(MinConnections, MaxConnections/3). No connections are opened
	// in advance to reach it.
	MinConnections int `yaml:"min_connections" env:"MIN_CONNECTIONS" default:"1"`

	// MaxConnectionsPerTable caps connections concurrently operating on a single table,
	// regardless of what the connection is actually doing, e.g. INSERT, UPDATE, DELETE.
	MaxConnectionsPerTable int `yaml:"max_connections_per_table" env:"MAX_CONNECTIONS_PER_TABLE" default:"8"`

	// MaxPlaceholdersPerStatement defines the maximum number of placeholders in an
	// INSERT, UPDATE or DELETE statement.
	MaxPlaceholdersPerStatement int `yaml:"max_placeholders_per_statement" env:"MAX_PLACEHOLDERS_PER_STATEMENT" default:"8192"`

	// MaxRowsPerTransaction defines the maximum number of rows per transaction.
	MaxRowsPerTransaction int `yaml:"max_rows_per_transaction" env:"MAX_ROWS_PER_TRANSACTION" default:"8192"`

	// WsrepSyncWait enforces Galera cluster nodes to perform strict cluster-wide causality
	// checks before executing specific SQL queries determined by the number you provided.
	WsrepSyncWait int `yaml:"wsrep_sync_wait" env:"WSREP_SYNC_WAIT" default:"7"`

	// AcquireTimeout bounds how long a caller waits to obtain a connection from the pool
	// before a POOL_TIMEOUT error is raised.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"ACQUIRE_TIMEOUT" default:"30s"`

	// IdleTimeout is the maximum amount of time a connection may sit idle before being closed.
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT" default:"10m"`

	// MaxLifetime is the maximum amount of time a connection may be reused.
	MaxLifetime time.Duration `yaml:"max_lifetime" env:"MAX_LIFETIME" default:"1h"`

	// TestBeforeAcquire, if set, pings a connection before handing it to a caller.
	TestBeforeAcquire bool `yaml:"test_before_acquire" env:"TEST_BEFORE_ACQUIRE" default:"true"`

	// TransactionTimeout bounds the lifetime of a single transaction handle before the
	// Transaction Manager's reaper forcibly rolls it back.
	TransactionTimeout time.Duration `yaml:"transaction_timeout" env:"TRANSACTION_TIMEOUT" default:"5m"`

	// TransactionCleanupInterval is how often the reaper scans for expired transaction handles.
	TransactionCleanupInterval time.Duration `yaml:"transaction_cleanup_interval" env:"TRANSACTION_CLEANUP_INTERVAL" default:"30s"`

	// SQLite-only PRAGMA knobs, applied to every new connection.
	SQLiteJournalMode string `yaml:"sqlite_journal_mode" env:"SQLITE_JOURNAL_MODE" default:"WAL"`
	SQLiteBusyTimeout time.Duration `yaml:"sqlite_busy_timeout" env:"SQLITE_BUSY_TIMEOUT" default:"5s"`
	SQLiteForeignKeys bool `yaml:"sqlite_foreign_keys" env:"SQLITE_FOREIGN_KEYS" default:"true"`
}

// Validate checks constraints in the supplied Options and returns an error if violated.
func (o *Options) Validate() error {
	if o.MaxConnections == 0 {
		return errors.New("max_connections cannot be 0. Configure a value greater than zero, or use -1 for no connection limit")
	}
	if o.MinConnections < 0 {
		return errors.New("min_connections cannot be negative")
	}
	if o.MaxConnectionsPerTable < 1 {
		return errors.New("max_connections_per_table must be at least 1")
	}
	if o.MaxPlaceholdersPerStatement < 1 {
		return errors.New("max_placeholders_per_statement must be at least 1")
	}
	if o.MaxRowsPerTransaction < 1 {
		return errors.New("max_rows_per_transaction must be at least 1")
	}
	if o.WsrepSyncWait < 0 || o.WsrepSyncWait > 15 {
		return errors.New("wsrep_sync_wait can only be set to a number between 0 and 15")
	}
	if o.AcquireTimeout <= 0 {
		return errors.New("acquire_timeout must be greater than zero")
	}
	if o.TransactionTimeout <= 0 {
		return errors.New("transaction_timeout must be greater than zero")
	}
	if o.TransactionCleanupInterval <= 0 {
		return errors.New("transaction_cleanup_interval must be greater than zero")
	}

	return nil
}

// Pool is a named, concurrency-safe wrapper around sqlx.DB with bulk execution, statement
// building via sqlbuilder, streaming and logging capabilities, generalising the teacher's
// single-DB DB type to one of potentially many simultaneously open, independently
// configured database connections.
type Pool struct {
	*sqlx.DB

	Name    string
	Dialect Dialect
	Options *Options

	addr              string
	logger            *logging.Logger
	tableSemaphores   map[string]*semaphore.Weighted
	tableSemaphoresMu sync.Mutex
}

// GetAddr returns a URI-like database connection string, e.g. "pgsql://user@host:5432/db".
func (p *Pool) GetAddr() string {
	return p.addr
}

// Logger returns the *logging.Logger this Pool was opened with, so layers built on top of a
// Pool (e.g. the txn package's reaper) can log using the same sink and periodic interval.
func (p *Pool) Logger() *logging.Logger {
	return p.logger
}

// MarshalLogObject implements zapcore.ObjectMarshaler, adding the pool's name and address
// to each log message it's attached to.
func (p *Pool) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("pool", p.Name)
	encoder.AddString("database_address", p.GetAddr())

	return nil
}

// PoolRegistry is a process-wide, named registry of open Pools, mirroring the "global
// registries" pattern spec §9 requires for pools, transaction handles and advisory locks.
// Registration uses an RWMutex so that concurrent Get calls never block each other, while a
// sync.Map backs the actual name -> *Pool lookup to keep reads lock-free in the common case.
type PoolRegistry struct {
	mu    sync.RWMutex
	pools sync.Map // string -> *Pool
}

// DefaultPoolRegistry is the process-wide PoolRegistry used by package-level convenience
// functions; embedders that need isolated registries (e.g. for testing) can construct their
// own PoolRegistry instead.
var DefaultPoolRegistry = &PoolRegistry{}

// Register adds p under name, failing if name is already registered.
func (r *PoolRegistry) Register(name string, p *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, loaded := r.pools.Load(name); loaded {
		return ir.Errorf(ir.USAGE, "a pool named %q is already registered", name)
	}

	p.Name = name
	r.pools.Store(name, p)

	return nil
}

// Get returns the pool registered under name, or (nil, false) if none is.
func (r *PoolRegistry) Get(name string) (*Pool, bool) {
	v, ok := r.pools.Load(name)
	if !ok {
		return nil, false
	}

	return v.(*Pool), true
}

// ClosePool closes and unregisters the pool named name. Closing an already-closed or
// never-registered pool is a no-op, satisfying the idempotent-close requirement.
func (r *PoolRegistry) ClosePool(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.pools.LoadAndDelete(name)
	if !ok {
		return nil
	}

	p := v.(*Pool)
	if p.DB == nil {
		return nil
	}

	return p.Close()
}

// CloseAll closes and unregisters every pool in the registry, continuing past individual
// close errors and returning the first one encountered, if any.
func (r *PoolRegistry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error

	r.pools.Range(func(key, value any) bool {
		if err := value.(*Pool).Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		r.pools.Delete(key)

		return true
	})

	return firstErr
}

// NewPoolFromConfig opens a new Pool from c, registering it in reg under name.
func NewPoolFromConfig(reg *PoolRegistry, name string, c *Config, logger *logging.Logger) (*Pool, error) {
	p, err := newPool(c, logger)
	if err != nil {
		return nil, err
	}

	if err := reg.Register(name, p); err != nil {
		_ = p.Close()
		return nil, err
	}

	return p, nil
}

func newPool(c *Config, logger *logging.Logger) (*Pool, error) {
	var addr string
	var db *sqlx.DB
	var dialect Dialect

	switch c.Type {
	case "mysql":
		dialect = MySQL

		cfg := mysql.NewConfig()
		cfg.User = c.User
		cfg.Passwd = c.Password
		cfg.Logger = mysqlFuncLogger(logger.Debug)

		if utils.IsUnixAddr(c.Host) {
			cfg.Net = "unix"
			cfg.Addr = c.Host
			addr = "(" + cfg.Addr + ")"
		} else {
			cfg.Net = "tcp"
			port := c.Port
			if port == 0 {
				port = 3306
			}
			cfg.Addr = net.JoinHostPort(c.Host, fmt.Sprint(port))
			addr = cfg.Addr
		}

		cfg.DBName = c.Database
		cfg.Timeout = time.Minute
		cfg.Params = map[string]string{"sql_mode": "'TRADITIONAL,ANSI_QUOTES'"}

		tlsConfig, err := c.TlsOptions.MakeConfig(c.Host)
		if err != nil {
			return nil, err
		}
		cfg.TLS = tlsConfig

		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, errors.Wrap(err, "can't open mysql database")
		}

		initConn := func(ctx context.Context, conn stddriver.Conn) error {
			// Set "wsrep_sync_wait" for each session so that causality checks are performed
			// before execution, preventing foreign key violations when inserting into
			// dependent tables on different Galera nodes. Single-node MySQL doesn't know
			// this variable and fails with "Unknown system variable" (1193), silently
			// dropped by unsafeSetSessionVariableIfExists.
			return unsafeSetSessionVariableIfExists(ctx, conn, "wsrep_sync_wait", fmt.Sprint(c.Options.WsrepSyncWait))
		}

		db = sqlx.NewDb(sql.OpenDB(driver.NewConnector(connector, logger, driver.WithInitConn(initConn))), MySQL)
	case "pgsql":
		dialect = PostgreSQL

		uri := &url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.User, c.Password),
			Path:   "/" + url.PathEscape(c.Database),
		}

		query := url.Values{
			"connect_timeout":   {"60"},
			"binary_parameters": {"yes"},
			"host":              {c.Host},
		}

		port := c.Port
		if port == 0 {
			port = 5432
		}
		query.Set("port", strconv.FormatInt(int64(port), 10))

		if _, err := c.TlsOptions.MakeConfig(c.Host); err != nil {
			return nil, err
		}

		if c.TlsOptions.Enable {
			if c.TlsOptions.Insecure {
				query.Set("sslmode", "require")
			} else {
				query.Set("sslmode", "verify-full")
			}

			if c.TlsOptions.Cert != "" {
				query.Set("sslcert", c.TlsOptions.Cert)
			}
			if c.TlsOptions.Key != "" {
				query.Set("sslkey", c.TlsOptions.Key)
			}
			if c.TlsOptions.Ca != "" {
				query.Set("sslrootcert", c.TlsOptions.Ca)
			}
		} else {
			query.Set("sslmode", "disable")
		}

		uri.RawQuery = query.Encode()

		connector, err := pq.NewConnector(uri.String())
		if err != nil {
			return nil, errors.Wrap(err, "can't open pgsql database")
		}

		if utils.IsUnixAddr(c.Host) {
			addr = fmt.Sprintf("(%s/.s.PGSQL.%d)", strings.TrimRight(c.Host, "/"), port)
		} else {
			addr = utils.JoinHostPort(c.Host, port)
		}

		db = sqlx.NewDb(sql.OpenDB(driver.NewConnector(connector, logger)), PostgreSQL)
	case "sqlite":
		dialect = SQLite
		addr = c.Database

		registerSqliteConnectionHook(c.Options)

		sqlDb, err := sql.Open("sqlite", c.Database)
		if err != nil {
			return nil, errors.Wrap(err, "can't open sqlite database")
		}

		db = sqlx.NewDb(sqlDb, SQLite)
	default:
		return nil, unknownDbType(c.Type)
	}

	if c.TlsOptions.Enable {
		addr = fmt.Sprintf("%s+tls://%s@%s/%s", c.Type, c.User, addr, c.Database)
	} else {
		addr = fmt.Sprintf("%s://%s@%s/%s", c.Type, c.User, addr, c.Database)
	}

	db.SetMaxIdleConns(max(c.Options.MinConnections, c.Options.MaxConnections/3))
	db.SetMaxOpenConns(c.Options.MaxConnections)
	db.SetConnMaxIdleTime(c.Options.IdleTimeout)
	db.SetConnMaxLifetime(c.Options.MaxLifetime)

	db.Mapper = reflectx.NewMapperFunc("db", strcase.Snake)

	return &Pool{
		DB:              db,
		Dialect:         dialect,
		Options:         &c.Options,
		addr:            addr,
		logger:          logger,
		tableSemaphores: make(map[string]*semaphore.Weighted),
	}, nil
}

type mysqlFuncLogger func(v ...interface{})

func (log mysqlFuncLogger) Print(v ...interface{}) { log(v) }

var sqliteHookOnce sync.Once

// registerSqliteConnectionHook registers a process-wide modernc.org/sqlite connection hook
// that applies the SQLite PRAGMA knobs in opts to every connection opened by sql.Open("sqlite",
// ...), regardless of which Pool opened it. The hook itself can only be registered once per
// process, so later, differently configured sqlite Pools silently share the first Pool's
// PRAGMA settings; this mirrors modernc.org/sqlite's own single global hook design.
func registerSqliteConnectionHook(opts *Options) {
	sqliteHookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			ctx := context.Background()

			pragmas := []string{
				fmt.Sprintf("PRAGMA journal_mode = %s", opts.SQLiteJournalMode),
				fmt.Sprintf("PRAGMA busy_timeout = %d", opts.SQLiteBusyTimeout.Milliseconds()),
			}
			if opts.SQLiteForeignKeys {
				pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
			}

			for _, pragma := range pragmas {
				if _, err := conn.ExecContext(ctx, pragma, nil); err != nil {
					return errors.Wrapf(err, "can't apply %q", pragma)
				}
			}

			return nil
		})
	})
}

// Acquire blocks until a connection is available (or Options.AcquireTimeout elapses) and
// returns it. The returned *sqlx.Conn must be released via its Close method.
func (p *Pool) Acquire(ctx context.Context) (*sqlx.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Options.AcquireTimeout)
	defer cancel()

	conn, err := p.Connx(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ir.Wrap(ir.POOL_TIMEOUT, err, "timed out acquiring a connection")
		}

		return nil, ir.Wrap(ir.CONNECTION, err, "can't acquire a connection")
	}

	if p.Options.TestBeforeAcquire {
		if err := conn.PingContext(ctx); err != nil {
			_ = conn.Close()
			return nil, ir.Wrap(ir.CONNECTION, err, "acquired connection failed ping test")
		}
	}

	return conn, nil
}

// Execute compiles v via sqlbuilder and runs it against the pool directly (outside of any
// transaction). Callers that need statement execution pinned to a transaction's connection
// use the txn package instead, which builds on the same sqlbuilder.Build output.
func (p *Pool) Execute(ctx context.Context, v ir.IR) (sql.Result, error) {
	query, args, err := sqlbuilder.Build(v, ToSqlbuilderDialect(p.Dialect))
	if err != nil {
		return nil, ir.Wrap(ir.BUILD, err, "can't compile statement")
	}

	result, err := p.ExecContext(ctx, query, BindArgs(args)...)
	if err != nil {
		return nil, ClassifyExecError(err, query)
	}

	return result, nil
}

// Query compiles v via sqlbuilder and streams the resulting rows.
func (p *Pool) Query(ctx context.Context, v ir.IR) (*sqlx.Rows, error) {
	query, args, err := sqlbuilder.Build(v, ToSqlbuilderDialect(p.Dialect))
	if err != nil {
		return nil, ir.Wrap(ir.BUILD, err, "can't compile statement")
	}

	rows, err := p.QueryxContext(ctx, query, BindArgs(args)...)
	if err != nil {
		return nil, ClassifyExecError(err, query)
	}

	return rows, nil
}

// ClassifyExecError distinguishes connection-level failures (which bubble up as CONNECTION,
// so callers know to discard and reacquire) from ordinary statement failures (BACKEND),
// following the teacher's retry.Retryable/driver.ErrBadConn classification. Exported so the
// txn package can apply the same triage to statements run on a pinned transaction connection.
func ClassifyExecError(err error, query string) error {
	if errors.Is(err, stddriver.ErrBadConn) || retry.Retryable(err) {
		return ir.Wrap(ir.CONNECTION, CantPerformQuery(err, query), "connection-level failure")
	}

	if utils.IsDeadlock(err) {
		return ir.Wrap(ir.INTEGRITY, CantPerformQuery(err, query), "serialization failure")
	}

	return ir.Wrap(ir.BACKEND, CantPerformQuery(err, query), "statement execution failed")
}

func BindArgs(values []ir.Value) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = toDriverValue(v)
	}

	return out
}

func toDriverValue(v ir.Value) any {
	switch v.Kind {
	case ir.KindNull:
		return nil
	case ir.KindBool:
		return v.Bool
	case ir.KindI64:
		return v.I64
	case ir.KindF64:
		return v.F64
	case ir.KindDecimal:
		return v.Decimal
	case ir.KindText:
		return v.Text
	case ir.KindBytes:
		return v.Bytes
	case ir.KindTimestamp:
		return v.Timestamp
	case ir.KindDate:
		return v.Date
	case ir.KindUUID:
		return v.UUID
	case ir.KindJSON:
		return v.JSON
	default:
		return nil
	}
}

// OnSuccess is a callback for successful (bulk) DML operations.
type OnSuccess[T any] func(ctx context.Context, affectedRows []T) (err error)

// OnSuccessIncrement builds an OnSuccess that adds the number of affected rows to counter.
func OnSuccessIncrement[T any](counter *com.Counter) OnSuccess[T] {
	return func(_ context.Context, rows []T) error {
		counter.Add(uint64(len(rows)))
		return nil
	}
}

// OnSuccessSendTo builds an OnSuccess that forwards each affected row to ch.
func OnSuccessSendTo[T any](ch chan<- T) OnSuccess[T] {
	return func(ctx context.Context, rows []T) error {
		for _, row := range rows {
			select {
			case ch <- row:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return nil
	}
}

// BulkExec bulk executes queries with a single slice placeholder in the form of `IN (?)`.
// Takes in up to the number of arguments specified in count from the arg stream, derives and
// expands a query and executes it with this set of arguments until the arg stream has been
// processed. The derived queries are executed in a separate goroutine with a weighting of 1
// and can be executed concurrently to the extent allowed by the semaphore passed in sem.
// Arguments for which the query ran successfully will be passed to onSuccess.
func (p *Pool) BulkExec(
	ctx context.Context, query string, count int, sem *semaphore.Weighted, arg <-chan ir.Value, onSuccess ...OnSuccess[ir.Value],
) error {
	var counter com.Counter
	defer p.Log(ctx, query, &counter).Stop()

	g, ctx := errgroup.WithContext(ctx)
	bulk := com.Bulk(ctx, arg, count, com.NeverSplit[ir.Value])

	g.Go(func() error {
		g, ctx := errgroup.WithContext(ctx)

		for b := range bulk {
			if err := sem.Acquire(ctx, 1); err != nil {
				return errors.Wrap(err, "can't acquire semaphore")
			}

			g.Go(func(b []ir.Value) func() error {
				return func() error {
					defer sem.Release(1)

					return retry.WithBackoff(
						ctx,
						func(context.Context) error {
							args := BindArgs(b)

							stmt, inArgs, err := sqlx.In(query, args)
							if err != nil {
								return errors.Wrapf(err, "can't build placeholders for %q", query)
							}

							stmt = p.Rebind(stmt)
							_, err = p.ExecContext(ctx, stmt, inArgs...)
							if err != nil {
								return ClassifyExecError(err, query)
							}

							counter.Add(uint64(len(b)))

							for _, onSuccess := range onSuccess {
								if err := onSuccess(ctx, b); err != nil {
									return err
								}
							}

							return nil
						},
						retry.Retryable,
						backoff.DefaultBackoff,
						p.GetDefaultRetrySettings(),
					)
				}
			}(b))
		}

		return g.Wait()
	})

	return g.Wait()
}

// Row is a single named row of bound values, as streamed into NamedBulkExec/NamedBulkExecTx.
type Row = map[string]ir.Value

func rowToArgs(r Row) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = toDriverValue(v)
	}

	return out
}

// NamedBulkExec bulk executes query (which must use sqlx named ":column" placeholders) with
// up to count Rows from arg per invocation, concurrency-limited by sem.
// Rows for which the query ran successfully will be passed to onSuccess.
func (p *Pool) NamedBulkExec(
	ctx context.Context, query string, count int, sem *semaphore.Weighted, arg <-chan Row,
	splitPolicyFactory com.BulkChunkSplitPolicyFactory[Row], onSuccess ...OnSuccess[Row],
) error {
	var counter com.Counter
	defer p.Log(ctx, query, &counter).Stop()

	g, ctx := errgroup.WithContext(ctx)
	bulk := com.Bulk(ctx, arg, count, splitPolicyFactory)

	g.Go(func() error {
		for {
			select {
			case b, ok := <-bulk:
				if !ok {
					return nil
				}

				if err := sem.Acquire(ctx, 1); err != nil {
					return errors.Wrap(err, "can't acquire semaphore")
				}

				g.Go(func(b []Row) func() error {
					return func() error {
						defer sem.Release(1)

						return retry.WithBackoff(
							ctx,
							func(ctx context.Context) error {
								args := make([]any, len(b))
								for i, row := range b {
									args[i] = rowToArgs(row)
								}

								_, err := p.NamedExecContext(ctx, query, args)
								if err != nil {
									return ClassifyExecError(err, query)
								}

								counter.Add(uint64(len(b)))

								for _, onSuccess := range onSuccess {
									if err := onSuccess(ctx, b); err != nil {
										return err
									}
								}

								return nil
							},
							retry.Retryable,
							backoff.DefaultBackoff,
							p.GetDefaultRetrySettings(),
						)
					}
				}(b))
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return g.Wait()
}

// NamedBulkExecTx bulk executes query in separate transactions, one row at a time within
// each transaction, up to count Rows per transaction. Note that committing a transaction may
// not honor ctx, as documented on Pool.ExecTx.
func (p *Pool) NamedBulkExecTx(
	ctx context.Context, query string, count int, sem *semaphore.Weighted, arg <-chan Row,
) error {
	var counter com.Counter
	defer p.Log(ctx, query, &counter).Stop()

	g, ctx := errgroup.WithContext(ctx)
	bulk := com.Bulk(ctx, arg, count, com.NeverSplit[Row])

	g.Go(func() error {
		for {
			select {
			case b, ok := <-bulk:
				if !ok {
					return nil
				}

				if err := sem.Acquire(ctx, 1); err != nil {
					return errors.Wrap(err, "can't acquire semaphore")
				}

				g.Go(func(b []Row) func() error {
					return func() error {
						defer sem.Release(1)

						return retry.WithBackoff(
							ctx,
							func(ctx context.Context) error {
								tx, err := p.BeginTxx(ctx, nil)
								if err != nil {
									return errors.Wrap(err, "can't start transaction")
								}
								defer func() { _ = tx.Rollback() }()

								stmt, err := tx.PrepareNamedContext(ctx, query)
								if err != nil {
									return errors.Wrap(err, "can't prepare named statement with context in transaction")
								}
								defer func() { _ = stmt.Close() }()

								for _, row := range b {
									if _, err := stmt.ExecContext(ctx, rowToArgs(row)); err != nil {
										return errors.Wrap(err, "can't execute statement in transaction")
									}
								}

								if err := tx.Commit(); err != nil {
									return errors.Wrap(err, "can't commit transaction")
								}

								counter.Add(uint64(len(b)))

								return nil
							},
							retry.Retryable,
							backoff.DefaultBackoff,
							p.GetDefaultRetrySettings(),
						)
					}
				}(b))
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return g.Wait()
}

// BatchSizeByPlaceholders returns how often n placeholders fit into
// Options.MaxPlaceholdersPerStatement, but at least 1.
func (p *Pool) BatchSizeByPlaceholders(n int) int {
	s := p.Options.MaxPlaceholdersPerStatement / n
	if s > 0 {
		return s
	}

	return 1
}

// namedInsertStmt builds an INSERT statement with named placeholders for columns, optionally
// ignoring or upserting conflicting rows, generalising the teacher's BuildInsertStmt/
// BuildInsertIgnoreStmt/BuildUpsertStmt away from a struct-tagged Entity to a plain table name
// and column list supplied by the caller (the embedder's typed model façade, out of scope
// here, is what used to derive these from a struct).
func (p *Pool) namedInsertStmt(table string, columns []string, onConflict string) string {
	quoted := make([]string, len(columns))
	named := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = col
		named[i] = col
	}

	return fmt.Sprintf(
		`INSERT INTO "%s" ("%s") VALUES (%s)%s`,
		table,
		strings.Join(quoted, `", "`),
		":"+strings.Join(named, ", :"),
		onConflict,
	)
}

func (p *Pool) insertIgnoreClause(table string, columns []string) string {
	switch p.Dialect {
	case MySQL:
		return fmt.Sprintf(` ON DUPLICATE KEY UPDATE "%s" = "%s"`, columns[0], columns[0])
	case PostgreSQL, SQLite:
		return fmt.Sprintf(" ON CONFLICT ON CONSTRAINT pk_%s DO NOTHING", table)
	default:
		return ""
	}
}

func (p *Pool) upsertClause(table string, updateColumns []string) string {
	var clause, setFormat string

	switch p.Dialect {
	case MySQL:
		clause = "ON DUPLICATE KEY UPDATE"
		setFormat = `"%[1]s" = VALUES("%[1]s")`
	case PostgreSQL, SQLite:
		clause = fmt.Sprintf("ON CONFLICT ON CONSTRAINT pk_%s DO UPDATE SET", table)
		setFormat = `"%[1]s" = EXCLUDED."%[1]s"`
	}

	set := make([]string, 0, len(updateColumns))
	for _, col := range updateColumns {
		set = append(set, fmt.Sprintf(setFormat, col))
	}

	return fmt.Sprintf(" %s %s", clause, strings.Join(set, ", "))
}

func (p *Pool) updateStmt(table string, columns []string) string {
	set := make([]string, 0, len(columns))
	for _, col := range columns {
		set = append(set, fmt.Sprintf(`"%s" = :%s`, col, col))
	}

	return fmt.Sprintf(`UPDATE "%s" SET %s WHERE id = :id`, table, strings.Join(set, ", "))
}

func (p *Pool) deleteStmt(table string) string {
	return fmt.Sprintf(`DELETE FROM "%s" WHERE id IN (?)`, table)
}

// rowColumns returns the sorted column names of row, so that generated
// statements are deterministic regardless of map iteration order.
func rowColumns(row Row) []string {
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	return columns
}

// CreateStreamed bulk creates rows read from stream via NamedBulkExec, inferring the insert
// statement from the table name and the first row's columns.
func (p *Pool) CreateStreamed(ctx context.Context, table string, rows <-chan Row, onSuccess ...OnSuccess[Row]) error {
	first, forward, err := com.CopyFirst(ctx, rows)
	if err != nil {
		return errors.Wrap(err, "can't copy first row")
	}

	columns := rowColumns(first)
	sem := p.GetSemaphoreForTable(table)
	stmt := p.namedInsertStmt(table, columns, "")

	return p.NamedBulkExec(
		ctx, stmt, p.BatchSizeByPlaceholders(len(columns)), sem, forward, com.NeverSplit[Row], onSuccess...,
	)
}

// CreateIgnoreStreamed bulk creates rows read from stream via NamedBulkExec, silently
// ignoring rows that violate a uniqueness constraint.
func (p *Pool) CreateIgnoreStreamed(ctx context.Context, table string, rows <-chan Row, onSuccess ...OnSuccess[Row]) error {
	first, forward, err := com.CopyFirst(ctx, rows)
	if err != nil {
		return errors.Wrap(err, "can't copy first row")
	}

	columns := rowColumns(first)
	sem := p.GetSemaphoreForTable(table)
	stmt := p.namedInsertStmt(table, columns, p.insertIgnoreClause(table, columns))

	return p.NamedBulkExec(
		ctx, stmt, p.BatchSizeByPlaceholders(len(columns)), sem, forward, splitOnDupID(), onSuccess...,
	)
}

// UpsertStreamed bulk upserts rows read from stream via NamedBulkExec.
func (p *Pool) UpsertStreamed(ctx context.Context, table string, rows <-chan Row, onSuccess ...OnSuccess[Row]) error {
	first, forward, err := com.CopyFirst(ctx, rows)
	if err != nil {
		return errors.Wrap(err, "can't copy first row")
	}

	columns := rowColumns(first)
	sem := p.GetSemaphoreForTable(table)
	stmt := p.namedInsertStmt(table, columns, "") + p.upsertClause(table, columns)

	return p.NamedBulkExec(
		ctx, stmt, p.BatchSizeByPlaceholders(len(columns)), sem, forward, splitOnDupID(), onSuccess...,
	)
}

// UpdateStreamed bulk updates rows read from stream via NamedBulkExecTx. Each row must carry
// an "id" key.
func (p *Pool) UpdateStreamed(ctx context.Context, table string, rows <-chan Row) error {
	first, forward, err := com.CopyFirst(ctx, rows)
	if err != nil {
		return errors.Wrap(err, "can't copy first row")
	}

	sem := p.GetSemaphoreForTable(table)
	stmt := p.updateStmt(table, rowColumns(first))

	return p.NamedBulkExecTx(ctx, stmt, p.Options.MaxRowsPerTransaction, sem, forward)
}

// DeleteStreamed bulk deletes the ids read from ids via BulkExec.
func (p *Pool) DeleteStreamed(ctx context.Context, table string, ids <-chan ir.Value, onSuccess ...OnSuccess[ir.Value]) error {
	sem := p.GetSemaphoreForTable(table)
	return p.BulkExec(ctx, p.deleteStmt(table), p.Options.MaxPlaceholdersPerStatement, sem, ids, onSuccess...)
}

// splitOnDupID returns a BulkChunkSplitPolicyFactory[Row] that forces a split as soon as a
// row's "id" value is seen twice, so a single chunk never contains a repeated upsert target
// (MySQL's ON DUPLICATE KEY UPDATE otherwise produces inconsistent affected-row counts for
// repeated keys within one statement).
func splitOnDupID() com.BulkChunkSplitPolicyFactory[Row] {
	return func() com.BulkChunkSplitPolicy[Row] {
		seen := map[string]struct{}{}

		return func(row Row) bool {
			id := fmt.Sprint(toDriverValue(row["id"]))

			_, ok := seen[id]
			if ok {
				seen = map[string]struct{}{id: {}}
			} else {
				seen[id] = struct{}{}
			}

			return ok
		}
	}
}

// ExecTx executes fn within a database transaction, committing on success and rolling back
// on any error fn returns or starting/committing the transaction fails.
//
// Note that committing the transaction may not honor the context provided: some drivers
// block until the database responds to COMMIT regardless of ctx's deadline.
func (p *Pool) ExecTx(ctx context.Context, fn func(context.Context, *sqlx.Tx) error) error {
	tx, err := p.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "can't start transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return errors.WithStack(err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "can't commit transaction")
	}

	return nil
}

// GetSemaphoreForTable returns (creating if necessary) the semaphore limiting concurrent
// connections operating on table.
func (p *Pool) GetSemaphoreForTable(table string) *semaphore.Weighted {
	p.tableSemaphoresMu.Lock()
	defer p.tableSemaphoresMu.Unlock()

	if sem, ok := p.tableSemaphores[table]; ok {
		return sem
	}

	sem := semaphore.NewWeighted(int64(p.Options.MaxConnectionsPerTable))
	p.tableSemaphores[table] = sem

	return sem
}

// HasTable checks whether a table is present in the database.
func (p *Pool) HasTable(ctx context.Context, table string) (bool, error) {
	var tableSchemaFunc string
	switch p.Dialect {
	case MySQL:
		tableSchemaFunc = "DATABASE()"
	case PostgreSQL:
		tableSchemaFunc = "CURRENT_SCHEMA()"
	case SQLite:
		var hasTable bool
		err := retry.WithBackoff(
			ctx,
			func(ctx context.Context) error {
				query := "SELECT 1 FROM sqlite_master WHERE type='table' AND name=?"
				rows, err := p.QueryContext(ctx, query, table)
				if err != nil {
					return CantPerformQuery(err, query)
				}
				defer func() { _ = rows.Close() }()

				hasTable = rows.Next()
				if err := rows.Close(); err != nil {
					return err
				}

				return rows.Err()
			},
			retry.Retryable,
			backoff.DefaultBackoff,
			p.GetDefaultRetrySettings(),
		)
		if err != nil {
			return false, errors.Wrapf(err, "can't verify existence of database table %q", table)
		}

		return hasTable, nil
	default:
		return false, errors.Errorf("unsupported database driver %q", p.Dialect)
	}

	var hasTable bool
	err := retry.WithBackoff(
		ctx,
		func(ctx context.Context) error {
			query := p.Rebind("SELECT 1 FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA=" + tableSchemaFunc + " AND TABLE_NAME=?")
			rows, err := p.QueryContext(ctx, query, table)
			if err != nil {
				return CantPerformQuery(err, query)
			}
			defer func() { _ = rows.Close() }()

			hasTable = rows.Next()
			if err := rows.Close(); err != nil {
				return err
			}

			return rows.Err()
		},
		retry.Retryable,
		backoff.DefaultBackoff,
		p.GetDefaultRetrySettings(),
	)
	if err != nil {
		return false, errors.Wrapf(err, "can't verify existence of database table %q", table)
	}

	return hasTable, nil
}

// GetDefaultRetrySettings returns retry.Settings suitable for this pool's statement retries,
// logging every retryable error and every eventual recovery.
func (p *Pool) GetDefaultRetrySettings() retry.Settings {
	return retry.Settings{
		Timeout: retry.DefaultTimeout,
		OnRetryableError: func(elapsed time.Duration, attempt uint64, err, lastErr error) {
			p.logger.Warnw("Can't execute query. Retrying",
				zap.Error(err),
				zap.Duration("after", elapsed),
				zap.Uint64("attempt", attempt))
		},
		OnSuccess: func(elapsed time.Duration, attempt uint64, lastErr error) {
			if attempt > 1 {
				p.logger.Infow("Query retried successfully after error",
					zap.Duration("after", elapsed),
					zap.Uint64("attempts", attempt),
					zap.NamedError("recovered_error", lastErr))
			}
		},
	}
}

// Log periodically logs the number of rows processed by an ongoing query, and a final
// summary once the returned Stopper is stopped.
func (p *Pool) Log(ctx context.Context, query string, counter *com.Counter) periodic.Stopper {
	return periodic.Start(ctx, p.logger.Interval(), func(tick periodic.Tick) {
		if count := counter.Reset(); count > 0 {
			p.logger.Debugf("Executed %q with %d rows", query, count)
		}
	}, periodic.OnStop(func(tick periodic.Tick) {
		p.logger.Debugf("Finished executing %q with %d rows in %s", query, counter.Total(), tick.Elapsed)
	}))
}
