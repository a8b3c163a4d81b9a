/*Package registry provides a persistent registry of objects in a SQL database

The package uses JSON to serialize the data. It also backs the
search-parameter catalog (see paramregistry.go): user-added or
overridden SearchParameter definitions are stored here under the
"searchparam:" prefix and layered on top of the embedded base set at
startup.
*/
package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fhirstore/persistence/core/csql"
)

// Registry provides a persistent registry of objects in a sql database.
type Registry struct {
	db *csql.DB
}

// MustNew creates a new, WAL-logged registry for the specified
// database, panicking on failure. Kept for callers that already rely
// on panic-on-misconfiguration semantics at startup.
func MustNew(db *csql.DB) *Registry {
	r := New(db)
	return &r
}

// New creates a new, WAL-logged registry for the specified database.
func New(db *csql.DB) Registry {
	return newRegistry(db, false)
}

// NewUnlogged creates a registry backed by a Postgres UNLOGGED table:
// writes skip the write-ahead log, trading crash-durability for
// throughput. Suitable for registries that can be rebuilt from their
// embedded definitions on restart, such as the search-parameter cache.
func NewUnlogged(db *csql.DB) Registry {
	return newRegistry(db, true)
}

func newRegistry(db *csql.DB, unlogged bool) Registry {
	unloggedKeyword := ""
	if unlogged {
		unloggedKeyword = "UNLOGGED "
	}
	_, err := db.Exec(`CREATE ` + unloggedKeyword + `table IF NOT EXISTS ` + db.Schema + `."_registry_"
(key varchar NOT NULL,
value json NOT NULL,
created_at timestamp NOT NULL,
PRIMARY KEY(key)
);`)

	if err != nil {
		panic(err)
	}
	return Registry{db: db}
}

// Accessor is an accessor with optional prefix
type Accessor struct {
	Prefix   string
	Registry *Registry
}

// Accessor returns a registry accessor with prefix
func (r *Registry) Accessor(prefix string) Accessor {
	return Accessor{
		Prefix:   prefix,
		Registry: r,
	}
}

// Read reads a value from the registry. It returns the
// time when the value was written.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r *Accessor) Read(key string, value interface{}) (time.Time, error) {
	var (
		rawValue  json.RawMessage
		createdAt time.Time
	)
	if len(r.Prefix) > 0 {
		key = r.Prefix + ":" + key
	}

	err := r.Registry.db.QueryRow(
		`SELECT value, created_at FROM `+r.Registry.db.Schema+`."_registry_" WHERE key=$1;`,
		key).Scan(&rawValue, &createdAt)
	if err == csql.ErrNoRows {
		return createdAt, nil
	}
	if err != nil {
		return createdAt, fmt.Errorf("cannot read key '%s': %s", key, err.Error())
	}
	err = json.Unmarshal(rawValue, &value)

	return createdAt, err
}

// Write writes a value into the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r *Accessor) Write(key string, value interface{}) error {

	body, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	if len(r.Prefix) > 0 {
		key = r.Prefix + ":" + key
	}
	now := time.Now().UTC()
	res, err := r.Registry.db.Exec(
		`INSERT INTO `+r.Registry.db.Schema+`."_registry_"(key,value,created_at)
VALUES($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=$2,created_at=$3;`,
		key, string(body), now)

	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("could not write key %s", key)
	}
	return nil
}

// Delete removes key from the registry. Deleting an absent key is not
// an error.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r *Accessor) Delete(key string) error {
	if len(r.Prefix) > 0 {
		key = r.Prefix + ":" + key
	}
	_, err := r.Registry.db.Exec(
		`DELETE FROM `+r.Registry.db.Schema+`."_registry_" WHERE key=$1;`, key)
	return err
}
