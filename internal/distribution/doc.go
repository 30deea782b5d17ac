// Package distribution fans one photo out to every registered guest.
//
// A distribution is recorded in the audit log first; nothing is sent for a
// photo that could not be recorded. Each guest is then dispatched to on a
// bounded worker pool with its own timeout, so one blocked or slow guest
// never holds up the others. The caller gets the tally once every dispatch
// has finished.
package distribution
