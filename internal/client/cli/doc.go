// Package cli provides the possync command-line client.
//
// App is the composition root: it opens the local store and builds the
// session, remote client, connectivity monitor, mutation queue,
// orchestrator, scheduler and business services, and owns them until Close.
// Commands are cobra subcommands that borrow the App:
//
//   - daemon                  background sync (scheduler, monitor, link, metrics)
//   - sync, status, log       one-shot sync and diagnostics
//   - queue list|retry|clear  inspect pending changes
//   - client, visit, pay      front desk operations, all available offline
//   - payments, offerings     listings and payment cancellation
//   - login, logout           session token management
//   - backup                  upload a store snapshot to S3
//   - shell                   interactive REPL over the same operations
package cli
