// Package bridge mirrors bus emissions into Watermill so they can be
// observed, recorded or replayed with the Watermill tooling. The bus stays
// the source of truth; the mirror is a one-way copy.
package bridge
