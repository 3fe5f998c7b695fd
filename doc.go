// Package atomic implements the atomic multi-ECU update coordinator at the
// heart of a vehicle's software-over-the-air client. A vehicle has one
// Primary ECU and one or more Secondary ECUs; when the backend directs an
// update, the Primary drives a three-phase-commit protocol across a
// designated set of Secondaries so that either all of them adopt the new
// image or none do, even across reboots and lost connections.
//
// # Running a Primary
//
// A Primary is constructed from a Config and driven with Start/Shutdown:
//
//	cfg := atomic.Config{
//	    Role:        atomic.RolePrimary,
//	    Listen:      ":2310",
//	    Peers:       map[string]string{"ecu-1": "10.0.0.1:2310", "ecu-2": "10.0.0.2:2310"},
//	    WALDir:      "/var/lib/atomicd/wal",
//	    PayloadDir:  "/var/lib/atomicd/staged",
//	    DisableMTLS: true, // for local experimentation only
//	}
//	srv, err := atomic.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatal(err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
//	verdict := srv.RunTransaction(ctx, atomic.Descriptor{
//	    TxID:        atomic.NewTxID(),
//	    Secondaries: []atomic.ECUSerial{atomic.Serial("ecu-1"), atomic.Serial("ecu-2")},
//	    Payloads:    map[string][]byte{"ecu-1": image1, "ecu-2": image2},
//	})
//
// # Running a Secondary
//
// The same Config/Server pair runs the Secondary accept loop when
// Config.Role is RoleSecondary; the Secondary dials the Primary's address
// configured via Config.PrimaryAddr to resolve pending transactions during
// recovery, and otherwise waits for the Primary to connect to Config.Listen.
//
// # Collaborators
//
// The verify/apply/rollback steps of the protocol are delegated to a
// collab.Backend implementation selected by Config.Backend ("off", "deb",
// "rpm", "ostree", "custom"). See package collab.
//
// # Storage layout
//
// WAL segments live under Config.WALDir/segment-NNNNN.log; payload staging
// files live under Config.PayloadDir/<tx_id>/<serial>.bin. Both are created
// with owner-only permissions.
//
// # Events
//
// Start/ack/decision events are published on the bus returned by
// Server.SubscribeEvents, for operational visibility into partial-failure
// and split-brain outcomes that the Verdict alone does not carry.
package atomic
