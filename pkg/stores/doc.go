// Package stores persists the run history of a node in SQLite.
//
// Each recorded run keeps its report summary, one row per resource result
// in report order, and the event timeline published during the run. A
// resource_state table tracks the latest outcome of every resource and
// when it last changed; dry runs are recorded but never update it.
//
// The schema is embedded and applied with golang-migrate. File databases
// use WAL journaling; ":memory:" databases are pinned to one connection.
//
// SQLiteStore satisfies engine.RunRecorder and engine.EventPublisher, so it
// can be handed to a Converger directly or through Recorder to tag runs
// with the manifest and target they came from.
package stores
