package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Run holds the schema definition for the Run entity: one evaluation run
// and its progressively populated results document.
type Run struct {
	ent.Schema
}

// Fields of the Run.
func (Run) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("run_id").
			Unique().
			Immutable(),
		field.String("user_id").
			Comment("Owner; roots the on-disk artifact layout"),
		field.String("name").
			Optional().
			Comment("Human-readable run label"),
		field.Enum("status").
			Values("pending", "in_progress", "cancelling", "completed", "failed", "cancelled", "timed_out").
			Default("pending"),
		field.String("current_phase").
			Optional().
			Nillable().
			Comment("Pipeline phase for live progress display"),
		field.JSON("config", map[string]interface{}{}).
			Comment("Frozen RunConfig snapshot (without callbacks)"),
		field.JSON("results", map[string]interface{}{}).
			Optional().
			Comment("Progressive results document: generated_docs, pre_combine_evals_detailed, timeline_events, source_doc_results"),
		field.Float("total_cost_usd").
			Default(0),
		field.Time("created_at").
			Default(time.Now).
			Comment("When the run was submitted"),
		field.Time("started_at").
			Optional().
			Nillable().
			Comment("When a worker claimed the run"),
		field.Time("completed_at").
			Optional().
			Nillable(),
		field.String("error_message").
			Optional().
			Nillable(),
		field.String("pod_id").
			Optional().
			Nillable().
			Comment("For multi-replica coordination"),
		field.Time("last_interaction_at").
			Optional().
			Nillable().
			Comment("For orphan detection"),
		field.Time("deleted_at").
			Optional().
			Nillable().
			Comment("Soft delete for retention policy"),
	}
}

// Edges of the Run.
func (Run) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("events", Event.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Run.
func (Run) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("user_id"),
		index.Fields("status", "created_at"),
		index.Fields("status", "last_interaction_at"),
		index.Fields("deleted_at").
			Annotations(entsql.IndexWhere("deleted_at IS NOT NULL")),
	}
}
