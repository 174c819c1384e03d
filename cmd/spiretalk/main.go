package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"github.com/spiretalk/spiretalk/api"
	"github.com/spiretalk/spiretalk/auth"
	"github.com/spiretalk/spiretalk/chat"
	"github.com/spiretalk/spiretalk/config"
	"github.com/spiretalk/spiretalk/globals"
	"github.com/spiretalk/spiretalk/persistence"
	"github.com/spiretalk/spiretalk/ratelimit"
	"github.com/spiretalk/spiretalk/registry"
	"github.com/spiretalk/spiretalk/types"
	"github.com/spiretalk/spiretalk/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert for websocket (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key for websocket (optional)")

	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	hubs     = make(map[string]*ws.Hub)
	hubsLock sync.Mutex

	globalConfig *config.Config
	reg          *registry.Registry
	limiter      *ratelimit.Limiter
	chatSvc      *chat.Service
	persister    persistence.Persister
)

func main() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		log.Fatal("interrupted!")
	}()

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()
	log.SetFlags(0)

	var err error
	globalConfig, err = config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	persister, err = persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	if persister != nil {
		defer persister.Close()
	}

	reg = registry.New(globalConfig.MaxParticipants())
	limiter = ratelimit.New(limitsFromConfig(globalConfig))
	chatSvc = chat.NewService(persister, limiter)

	if persister != nil {
		rooms, err := persister.GetRooms()
		if err != nil {
			panic(err)
		}
		for _, room := range rooms {
			globals.AppLogger.Debug("seeding room", "room", room.Id)
			reg.Seed(*room)
		}
	}

	setupRoutes()
	if *sslCert != "" && *sslKey != "" {
		err = http.ListenAndServeTLS(*addr, *sslCert, *sslKey, nil)
	} else {
		err = http.ListenAndServe(*addr, nil)
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}

func limitsFromConfig(cfg *config.Config) map[ratelimit.Class]ratelimit.Limit {
	limits := ratelimit.DefaultLimits()
	apply := func(class ratelimit.Class, lc config.LimitConfig) {
		if lc.MaxEvents <= 0 || lc.Window <= 0 {
			return
		}
		limits[class] = ratelimit.Limit{
			MaxEvents:     lc.MaxEvents,
			Window:        lc.Window,
			BlockDuration: lc.BlockDuration,
		}
	}
	apply(ratelimit.ClassGeneric, cfg.LimitsConfig.Generic)
	apply(ratelimit.ClassChat, cfg.LimitsConfig.Chat)
	apply(ratelimit.ClassSignal, cfg.LimitsConfig.Signal)
	return limits
}

func setupRoutes() {
	router := mux.NewRouter()
	router.HandleFunc("/rooms/{room:[a-z0-9][a-z0-9_-]*}/ws", websocketHandler).Methods(http.MethodGet)
	readSurface := api.NewHandler(reg, chatSvc, globalConfig)
	router.HandleFunc("/rooms/{room}", readSurface.GetRoom).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{room}/participants", readSurface.ListParticipants).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{room}/chat", readSurface.ChatHistory).Methods(http.MethodGet)
	http.Handle("/", router)
}

// ensureHub returns the room's hub, creating and starting it on first join.
// Rooms come into existence implicitly this way.
func ensureHub(roomId string) *ws.Hub {
	hubsLock.Lock()
	defer hubsLock.Unlock()
	if hub, ok := hubs[roomId]; ok {
		return hub
	}
	room := reg.EnsureRoom(roomId)
	if persister != nil {
		probe := types.Room{Id: roomId}
		if err := persister.GetRoom(&probe); err == types.ErrNotFound {
			if err := persister.StoreRoom(room); err != nil {
				globals.AppLogger.Error("could not persist room", "room", roomId, "error", err)
			}
		}
	}
	hub := ws.NewHub(roomId, globalConfig, reg, limiter, chatSvc)
	hubs[roomId] = hub
	go hub.Run()
	return hub
}

// Handle incoming websockets
func websocketHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomId := vars["room"]
	if roomId == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	hub := ensureHub(roomId)

	// authorization boundary: a verified OIDC identity becomes the stable
	// connection id; without a provider the server runs in trusted mode and
	// accepts the caller-supplied id, or assigns a fresh one
	connectionId := ""
	vals := r.URL.Query()
	if idToken := vals.Get("id_token"); idToken != "" {
		if provider := vals.Get("provider"); provider != "" {
			connectionId, _ = auth.Authenticate(r.Context(), idToken, provider, globalConfig)
		}
	}
	if connectionId == "" {
		connectionId = vals.Get("participant_id")
	}
	if connectionId == "" {
		connectionId = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close() //nolint

	doneChan := make(chan struct{})
	c := ws.NewClient(hub, conn, connectionId, doneChan)

	c.Add(1)
	hub.Register <- c
	// wait until the hub has actually registered the connection, so frames
	// arriving right away find it
	c.Wait()
	defer func() {
		hub.Unregister <- c
	}()
	c.Add(2)
	go c.ReadLoop()
	go c.WriteLoop()
	<-doneChan
	globals.AppLogger.Debug("connection closed", "connection", connectionId, "room", roomId)
}
