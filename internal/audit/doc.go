// Package audit records a summary of every closed streaming connection.
//
// The PostgreSQL recorder batches records off the close path; Record never
// blocks and drops when its buffer is full. Nop is used when auditing is off.
package audit
