package driver

import (
	"context"
	"database/sql/driver"
	"github.com/go-sql-driver/mysql"
	"github.com/icinga/sqlcore/backoff"
	"github.com/icinga/sqlcore/logging"
	"github.com/icinga/sqlcore/retry"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"time"
)

// Driver names as automatically registered in the database/sql package by themselves.
const (
	MySQL      string = "mysql"
	PostgreSQL string = "postgres"
	SQLite     string = "sqlite"
)

var timeout = time.Minute * 5

// InitConnFunc runs arbitrary post-Connect actions on a freshly established connection, e.g.
// applying SQLite PRAGMAs or a MySQL session sql_mode.
type InitConnFunc func(context.Context, driver.Conn) error

// RetryConnector wraps driver.Connector with retry logic and an optional post-connect hook.
type RetryConnector struct {
	driver.Connector

	onRetryableError retry.OnRetryableErrorFunc
	onSuccess        retry.OnSuccessFunc

	logger *logging.Logger

	// initConn, if set, runs after every successful Connect call, before the connection is
	// handed back to the caller. A failing initConn discards the connection and is retried
	// like any other connect error.
	initConn InitConnFunc
}

// ConnectorOption customizes a RetryConnector created via NewConnector.
type ConnectorOption func(*RetryConnector)

// WithInitConn sets the hook run after every successful Connect call.
func WithInitConn(init InitConnFunc) ConnectorOption {
	return func(c *RetryConnector) { c.initConn = init }
}

// WithOnRetryableError sets a callback invoked on every failed connect attempt.
func WithOnRetryableError(f retry.OnRetryableErrorFunc) ConnectorOption {
	return func(c *RetryConnector) { c.onRetryableError = f }
}

// WithOnSuccess sets a callback invoked once Connect succeeds.
func WithOnSuccess(f retry.OnSuccessFunc) ConnectorOption {
	return func(c *RetryConnector) { c.onSuccess = f }
}

// NewConnector creates a fully initialized RetryConnector from the given args.
func NewConnector(c driver.Connector, logger *logging.Logger, options ...ConnectorOption) *RetryConnector {
	rc := &RetryConnector{Connector: c, logger: logger}
	for _, option := range options {
		option(rc)
	}

	return rc
}

// Connect implements part of the driver.Connector interface.
func (c RetryConnector) Connect(ctx context.Context) (driver.Conn, error) {
	var conn driver.Conn
	err := errors.Wrap(retry.WithBackoff(
		ctx,
		func(ctx context.Context) (err error) {
			conn, err = c.Connector.Connect(ctx)
			if err == nil && c.initConn != nil {
				if err = c.initConn(ctx, conn); err != nil {
					// This gets retried, so don't bother whether Close() itself fails.
					_ = conn.Close()
				}
			}

			return
		},
		shouldRetry,
		backoff.NewExponentialWithJitter(time.Millisecond*128, time.Minute*1),
		retry.Settings{
			Timeout: timeout,
			OnRetryableError: func(elapsed time.Duration, attempt uint64, err, lastErr error) {
				if c.onRetryableError != nil {
					c.onRetryableError(elapsed, attempt, err, lastErr)
				}

				if lastErr == nil || err.Error() != lastErr.Error() {
					c.logger.Warnw("Can't connect to database. Retrying", zap.Error(err))
				}
			},
			OnSuccess: func(elapsed time.Duration, attempt uint64, lastErr error) {
				if c.onSuccess != nil {
					c.onSuccess(elapsed, attempt, lastErr)
				}

				if attempt > 1 {
					c.logger.Infow("Reconnected to database",
						zap.Duration("after", elapsed), zap.Uint64("attempts", attempt))
				}
			},
		},
	), "can't connect to database")
	return conn, err
}

// Driver implements part of the driver.Connector interface.
func (c RetryConnector) Driver() driver.Driver {
	return c.Connector.Driver()
}

// Register sets the default mysql logger to the given one.
func Register(logger *logging.Logger) {
	_ = mysql.SetLogger(mysqlLogger(func(v ...interface{}) { logger.Debug(v...) }))
}

// mysqlLogger is an adapter that allows ordinary functions to be used as a logger for mysql.SetLogger.
type mysqlLogger func(v ...interface{})

// Print implements the mysql.Logger interface.
func (log mysqlLogger) Print(v ...interface{}) {
	log(v)
}

func shouldRetry(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	return retry.Retryable(err)
}
