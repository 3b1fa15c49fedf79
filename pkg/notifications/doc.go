// Package notifications stores operator notifications in the cluster store,
// deduplicated per type and key.
package notifications
