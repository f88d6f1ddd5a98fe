// Package browser pools browser pages: anonymous contexts for one-off
// fetches and long-lived per-match pages that survive across polling cycles.
package browser
