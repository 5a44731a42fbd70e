/*
Package ddns keeps Cloudflare address records pointed at the current public IP.

Usage will always start with [ddns.New],
which returns an [Updater] configured with the shared [ConnectionSettings].
A run looks up the public IP once with [Lookup] and hands the resulting future,
together with one [Task] per record, to [Updater.Run].
Each task is resolved, compared and (only when the address changed) written independently,
so one broken record never stops the others.

Additional configuration options are listed in the docs for New.
*/
package ddns
