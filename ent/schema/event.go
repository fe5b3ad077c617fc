package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Event holds the schema definition for the Event entity: the append-only
// broadcast log consumed by NOTIFY subscribers and catch-up queries.
type Event struct {
	ent.Schema
}

// Fields of the Event.
func (Event) Fields() []ent.Field {
	// The implicit auto-increment int id doubles as the subscribers'
	// catch-up cursor.
	return []ent.Field{
		field.String("run_id").
			Immutable(),
		field.String("channel").
			Immutable().
			Comment("NOTIFY channel the event was published on"),
		field.JSON("payload", map[string]interface{}{}).
			Immutable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the Event.
func (Event) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("run", Run.Type).
			Ref("events").
			Field("run_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the Event.
func (Event) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("channel", "created_at"),
		index.Fields("run_id"),
		index.Fields("created_at"),
	}
}
