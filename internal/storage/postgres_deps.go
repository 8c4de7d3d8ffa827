package storage

// Blank imports pin transitive pgx dependencies so module tidying keeps them
// resolvable even in builds that exercise only the JSON driver.
import (
	_ "github.com/jackc/pgpassfile"
	_ "github.com/jackc/pgservicefile"
	_ "golang.org/x/sync/semaphore"
	_ "golang.org/x/text/transform"
)
