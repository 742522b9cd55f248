// RiverAuth - Behavioral Session Telemetry and Risk Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/riverauth

/*
Package services adapts RiverAuth components to suture.Service.

  - HTTPServerService: ListenAndServe with graceful Shutdown on cancel.
  - LoopService: a context-bound loop such as location.Tracker.Run or
    gateway.Hub.Run. Errors are returned to suture for restart.
  - TaskService: work that finishes, such as the device probe or input
    replay. It returns suture.ErrDoNotRestart once done so the tree does
    not rerun it; failures are logged.
  - HoldService: acquires a shared resource for as long as it runs, such
    as a transport lease with the risk monitor subscribed.

Every service implements fmt.Stringer so supervision events name it.
*/
package services
