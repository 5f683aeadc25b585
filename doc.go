// Package fileshare implements a concurrent file sharing server.
//
// A Server accepts TCP clients speaking a line-oriented protocol
// (LIST_FILES, UPLOAD, DOWNLOAD, CHAT, AUTH) with raw byte payloads for
// transfers. Uploads and downloads run on a bounded worker pool behind a
// fair admission semaphore, serialized per file by a fair reader/writer
// lock registry, so concurrent downloads of a file proceed in parallel
// while writers get exclusive access in arrival order. File events are
// fanned out to every connected client as NOTIFICATION frames and,
// optionally, as UDP broadcast datagrams.
//
// # Getting Started
//
//	opts := fileshare.NewOptions()
//	opts.SharedDir = "/srv/files"
//	opts.ListenAddr = ":8080"
//
//	srv, err := fileshare.New(opts)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Stop()
//
// The client package implements the connecting side of the protocol.
package fileshare
