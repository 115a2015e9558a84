/*
Package supervisor spawns experiment workers and keeps track of whether they are alive.

A worker is started as

	<interpreter...> <script> -s <id>:<port>

in the configured script directory, with stdout and stderr redirected to out.txt in the session directory.
Each spawned process gets a Handle whose wait goroutine reaps it, so liveness of our own workers never needs an OS scan.
The OS-wide scan in LiveProcesses is only used to reconcile the shared registry, which also holds processes started
by other controller instances.

At most one live worker is bound to a port. The binding is made at spawn time and never migrated.
*/
package supervisor
