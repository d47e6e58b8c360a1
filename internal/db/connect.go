package db

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/zulandar/wolfpack/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN for a MySQL or Dolt server.
func DSN(host string, port int, database, user, password string) string {
	if user == "" {
		user = "root"
	}
	c := gomysql.NewConfig()
	c.User = user
	c.Passwd = password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	c.DBName = database
	c.ParseTime = true
	return c.FormatDSN()
}

// Connect opens a GORM connection to a MySQL-compatible database.
func Connect(host string, port int, database, user, password string) (*gorm.DB, error) {
	dsn := DSN(host, port, database, user, password)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", host, port, database, err)
	}
	return db, nil
}

// OpenSQLite opens a GORM connection to a local SQLite file. ":memory:"
// gives a throwaway database.
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := path
	if path != ":memory:" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		// The CLI may read the file while a running pack writes to it.
		dsn += sep + "_busy_timeout=5000"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	return db, nil
}

// Open connects to the backend selected by the store configuration.
func Open(cfg config.StoreConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "mysql":
		return Connect(cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password)
	default:
		return nil, fmt.Errorf("db: unknown driver %q", cfg.Driver)
	}
}
