// Package transfer is the resumable transfer engine.
//
// A Task is a single state machine (idle, waiting, running, paused, complete,
// failed, canceled) driving a Strategy through check, execute and finalize.
// Uploads and downloads are the two strategies; Engine builds tasks for them
// from requests and wires in the remote collaborators and the record
// repositories.
//
// Tasks run on the goroutine that calls Start or Resume. Pause and Cancel may
// be called from any goroutine; both are cooperative and take effect by
// cancelling the context the running pipeline uses. Finalization runs in a
// frozen window during which Pause and Cancel are refused.
package transfer
