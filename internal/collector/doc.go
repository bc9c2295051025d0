// Package collector runs the live collection loop: it fetches every area of
// the raster, merges the decoded records into the live cache, hands advanced
// records to the batch sink, prunes stale entries and reports progress.
package collector
