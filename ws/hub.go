package ws

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/coachport/chatsync/auth"
	"github.com/coachport/chatsync/engine"
	"github.com/coachport/chatsync/notify"
	"github.com/coachport/chatsync/store"
)

var wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "chatsync_ws_connections",
	Help: "Currently connected websocket clients.",
})

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The node sits behind a reverse proxy that owns origin policy.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Conf tunes the hub.
type Conf struct {
	// SessionQuota is the per-user connection cap; the oldest
	// connection is kicked when a new one would exceed it. Zero
	// disables the cap.
	SessionQuota int
}

// Hub upgrades, authenticates and tracks websocket connections.
type Hub struct {
	st   store.Store
	pub  notify.Publisher
	conf Conf

	authClient auth.Client
	hstore     *HandlerStore
}

func NewHub(authClient auth.Client, st store.Store, pub notify.Publisher, conf Conf) *Hub {
	if pub == nil {
		pub = notify.Nop{}
	}
	return &Hub{
		st:         st,
		pub:        pub,
		conf:       conf,
		authClient: authClient,
		hstore: &HandlerStore{
			handlers: make(map[string]*Handler),
		},
	}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &Session{
		UID:        uid,
		SID:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		IP:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	h.enforceQuota(uid)

	handler := &Handler{
		hub:      h,
		session:  sess,
		conn:     conn,
		dataChan: make(chan *SessionData, 16),
		done:     make(chan struct{}),
		convos:   make(map[store.UserID]*engine.Session),
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.V(5).Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		handler.close(ReadError)
		return nil
	})

	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	wsConnections.Set(float64(h.hstore.size()))
}

func (h *Hub) delHandler(sid string) {
	if h.hstore.del(sid) {
		wsConnections.Set(float64(h.hstore.size()))
	}
}

// enforceQuota kicks the user's oldest connections so the new one fits
// under the cap.
func (h *Hub) enforceQuota(uid store.UserID) {
	if h.conf.SessionQuota <= 0 {
		return
	}
	existing := h.hstore.getByUid(uid)
	for len(existing) >= h.conf.SessionQuota {
		oldest := existing[0]
		for _, cand := range existing[1:] {
			if cand.session.CreateTime < oldest.session.CreateTime {
				oldest = cand
			}
		}
		glog.V(5).Infof("kickoff session over quota: %s", oldest)
		oldest.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Kickoff: true}})
		h.hstore.del(oldest.session.SID)

		next := existing[:0]
		for _, cand := range existing {
			if cand != oldest {
				next = append(next, cand)
			}
		}
		existing = next
	}
}

// Shutdown closes every connection. Used on graceful stop.
func (h *Hub) Shutdown() {
	glog.Infof("close connections ...")
	h.hstore.close()
	glog.Infof("close connections done")
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
