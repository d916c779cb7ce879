package storage

// Blank imports pinning transitive dependencies of the pgx driver so module
// tidying keeps them resolvable: pgpassfile/pgservicefile back connection
// config files, x/text backs SASLprep during SCRAM authentication.
import (
	_ "github.com/jackc/pgpassfile"
	_ "github.com/jackc/pgservicefile"
	_ "golang.org/x/text/transform"
)
