// The demo drives a full conversation round-trip on an embedded bolt
// store: the coach sends, the client opens the thread, read state
// reconciles, and the client's unread badge drains to zero.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"

	"github.com/coachport/chatsync/engine"
	"github.com/coachport/chatsync/store"
)

var (
	flagDir   = flag.String("dir", "", "data dir; empty uses a temp dir")
	flagCoach = flag.String("coach", "coach-1", "coach user id")
	flagUser  = flag.String("client", "client-1", "client user id")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	dir := *flagDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "chatsync-demo")
		if err != nil {
			glog.Exitf("temp dir: %v", err)
		}
		defer os.RemoveAll(dir)
	}

	st, err := store.OpenBolt(filepath.Join(dir, "demo.db"))
	if err != nil {
		glog.Exitf("open store: %v", err)
	}
	defer st.Close()

	coach := store.UserID(*flagCoach)
	client := store.UserID(*flagUser)
	ctx := context.Background()

	// The client's badge feed, independent of any open conversation.
	unread, err := engine.WatchUnread(ctx, st, client, func(msgs []store.Message) {
		fmt.Printf("badge(%s): %d unread\n", client, len(msgs))
	}, nil)
	if err != nil {
		glog.Exitf("watch unread: %v", err)
	}
	defer unread.Close()

	// Coach side: send three messages.
	coachSess, err := engine.Open(ctx, st, coach, client, nil, engine.Options{})
	if err != nil {
		glog.Exitf("open coach session: %v", err)
	}
	defer coachSess.Close()

	for i := 1; i <= 3; i++ {
		id, err := coachSess.Send(ctx, fmt.Sprintf("workout %d is ready", i), "")
		if err != nil {
			glog.Exitf("send: %v", err)
		}
		fmt.Printf("sent %s\n", id)
	}
	time.Sleep(300 * time.Millisecond)

	// Client side: opening the thread marks the inbound unread read.
	clientSess, err := engine.Open(ctx, st, client, coach, func(msgs []store.Message) {
		fmt.Printf("thread(%s): %d messages\n", client, len(msgs))
		for _, m := range msgs {
			state := " "
			if m.Read {
				state = "r"
			}
			fmt.Printf("  [%s] %s -> %s: %s\n", state, m.SenderID, m.ReceiverID, m.Text)
		}
	}, engine.Options{})
	if err != nil {
		glog.Exitf("open client session: %v", err)
	}
	defer clientSess.Close()

	// Let reconciliation and the badge feed settle.
	time.Sleep(2 * time.Second)
}
