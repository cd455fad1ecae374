package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/Tyrowin/chatpresence/internal/logger"
	"github.com/Tyrowin/chatpresence/internal/session"
)

func main() {
	serverURL := flag.String("server", "http://localhost:5000", "chat server base URL")
	origin := flag.String("origin", "http://localhost:5173", "Origin header sent on the socket handshake")
	mode := flag.String("mode", "verify", "login, signup, verify or logout")
	email := flag.String("email", "", "account email")
	password := flag.String("password", "", "account password")
	name := flag.String("name", "", "full name, signup only")
	bio := flag.String("bio", "", "bio, signup only")
	credPath := flag.String("credentials", "", "credential file (default under the user config dir)")
	watch := flag.Bool("watch", false, "stay connected and log presence changes until interrupted")
	to := flag.String("to", "", "send --text to this user id once connected")
	text := flag.String("text", "", "message text for --to")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	logger.SetLevel(*logLevel)
	defer func() { _ = logger.Log.Sync() }()

	path := *credPath
	if path == "" {
		p, err := session.DefaultCredentialPath()
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		path = p
	}
	creds := session.NewFileStore(path)

	ctrl, err := session.NewController(session.Options{
		Backend:     session.NewAPI(*serverURL, creds, 10*time.Second),
		Credentials: creds,
		Dialer:      &session.WSDialer{BaseURL: *serverURL, Origin: *origin, Credentials: creds},
	})
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch strings.ToLower(*mode) {
	case "login", "signup":
		err = ctrl.Login(ctx, session.Mode(strings.ToLower(*mode)), session.Credentials{
			FullName: *name,
			Email:    *email,
			Password: *password,
			Bio:      *bio,
		})
	case "verify":
		err = ctrl.Start(ctx)
	case "logout":
		ctrl.Logout()
		return
	default:
		logger.Errorf("Unknown mode %q", *mode)
		os.Exit(2)
	}
	if err != nil {
		logger.Errorf("%s failed: %v", *mode, err)
		os.Exit(1)
	}

	user := ctrl.User()
	if user == nil {
		logger.Info("Not signed in")
		return
	}
	logger.Infof("Signed in as %s (%s), state %s", user.FullName, user.ID, ctrl.State())

	if sock := ctrl.Socket(); sock != nil {
		sock.On("newMessage", func(data json.RawMessage) {
			logger.Infof("Message: %s", data)
		})
		if *to != "" && *text != "" {
			if err := sock.Emit("sendMessage", map[string]string{"receiverId": *to, "text": *text}); err != nil {
				logger.Errorf("Send failed: %v", err)
			}
		}
	}

	if !*watch {
		// give the first presence snapshot a moment to arrive
		time.Sleep(300 * time.Millisecond)
		logger.Infof("Online: %v", ctrl.OnlineUsers())
		return
	}

	var last string
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := strings.Join(ctrl.OnlineUsers(), ",")
			if online != last {
				last = online
				logger.Infof("Online: [%s]", online)
			}
		}
	}
}
