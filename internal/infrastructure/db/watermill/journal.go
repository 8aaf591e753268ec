package watermilldb

import (
	"database/sql"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wsql "github.com/ThreeDotsLabs/watermill-sql/v3/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
)

// NewPostgresJournal returns a publisher appending events to postgres, one
// watermill_<topic> table per topic.
func NewPostgresJournal(db *sql.DB) (message.Publisher, error) {
	publisher, err := wsql.NewPublisher(
		wsql.BeginnerFromStdSQL(db),
		wsql.PublisherConfig{
			SchemaAdapter:        wsql.DefaultPostgreSQLSchema{},
			AutoInitializeSchema: true,
		},
		watermill.NopLogger{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create event journal: %w", err)
	}
	return publisher, nil
}
