// Package processes supervises the worker processes behind devhub's routes.
//
// A Supervisor reconciles the running set against the manifest's apps: it
// stops workers whose definition went away or changed, then starts the new
// ones and waits for each to print its ready marker. Output from every
// worker is kept in a bounded in-memory log, and stopped or failed workers
// are followed by a sweep of the process table for anything still running
// their script.
package processes
