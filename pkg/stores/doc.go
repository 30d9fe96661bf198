// Package stores provides the SQLite persistence layer for cloudsaga: the run
// journal (runs, the resources each run touched and its event timeline) and
// the lease table behind the sqlite deployment lock. Schema changes ship as
// embedded golang-migrate migrations.
package stores
