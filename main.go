// Description: This is the main file of the unix socket file server
// The main function serves FILES_DIR over the unix socket at SOCKET_PATH,
// optionally with an sftp gateway on SFTP_SERVER_ADDR.
// It runs in the foreground, or as an OS service with the install / uninstall arguments.
// `hash <secret>` prints a bcrypt hash for SERVER_SECRET_HASH.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jakobek09/FileServer-UDS/auth"
	"github.com/jakobek09/FileServer-UDS/filesystem"
	"github.com/jakobek09/FileServer-UDS/protocol"
	"github.com/jakobek09/FileServer-UDS/server"
	"github.com/jakobek09/FileServer-UDS/sftp"
	"github.com/joho/godotenv"
	"github.com/kardianos/service"
	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	_ = godotenv.Load() // .env is optional

	// setting up the slog logger
	logger := setupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FILE"))
	slog.SetDefault(logger)

	if len(os.Args) > 1 && os.Args[1] == "hash" {
		if len(os.Args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: hash <secret>")
			os.Exit(1)
		}
		hash, err := auth.HashSecret(os.Args[2])
		if err != nil {
			logger.Error("Error hashing secret", "error", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	env, err := GetEnv(logger)
	if err != nil {
		logger.Error("Error getting environment", "error", err)
		os.Exit(1)
	}

	prg := &program{env: env, logger: logger}
	svc, err := service.New(prg, &service.Config{
		Name:        env.ServiceName,
		DisplayName: "Unix socket file server",
		Description: "Serves a directory over a unix domain socket.",
	})
	if err != nil {
		logger.Error("Error creating service", "error", err)
		os.Exit(1)
	}

	action := "run"
	if len(os.Args) > 1 {
		action = os.Args[1]
	}
	switch action {
	case "install", "uninstall", "start", "stop", "restart":
		if err := service.Control(svc, action); err != nil {
			logger.Error("Service control failed", "action", action, "error", err)
			os.Exit(1)
		}
		logger.Info("Service control done", "action", action, "service", env.ServiceName)
	case "run":
		// Run blocks until SIGINT / SIGTERM in the foreground, or until the service manager stops us
		if err := svc.Run(); err != nil {
			logger.Error("Server stopped with error", "error", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q, use run, install, uninstall, start, stop, restart or hash\n", action)
		os.Exit(1)
	}
}

func setupLogger(level, logFile string) *slog.Logger {
	logLevel := slog.LevelInfo
	AddSource := false
	switch strings.ToUpper(level) {

	case "DEBUG":
		logLevel = slog.LevelDebug
		AddSource = true
	case "INFO":
		logLevel = slog.LevelInfo
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	}

	handlerOptions := &tint.Options{
		AddSource: AddSource,
		Level:     logLevel,
		// colors only make sense on a terminal
		NoColor: logFile != "",
	}

	var out io.Writer = os.Stdout
	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			Compress:   false,
		}
		out = io.MultiWriter(os.Stdout, rotator)
	}

	handler := tint.NewHandler(out, handlerOptions)

	logger := slog.New(handler).With("app", "unix-file-server")
	logger.Info("Logger initialized", "level", logLevel)

	return logger
}

// Environment is the environment of the server
type Environment struct {
	SocketPath   string
	FilesDir     string
	Secret       string
	SecretHash   string
	Framing      protocol.Framing
	MaxSessions  int
	MaxPayload   int
	WatchFiles   bool
	SftpAddr     string
	SftpHostKey  string
	ServiceName  string
	ShutdownWait time.Duration
}

// GetEnv returns a new Environment with the environment variables
func GetEnv(logger *slog.Logger) (env *Environment, err error) {
	env = &Environment{
		SocketPath:   getenv("SOCKET_PATH", server.DefaultSocketPath),
		FilesDir:     getenv("FILES_DIR", "./files"),
		Secret:       getenv("SERVER_SECRET", "secret"),
		SecretHash:   os.Getenv("SERVER_SECRET_HASH"),
		SftpAddr:     os.Getenv("SFTP_SERVER_ADDR"),
		SftpHostKey:  os.Getenv("SFTP_HOST_KEY_FILE"),
		ServiceName:  getenv("SERVICE_NAME", "unix-file-server"),
		ShutdownWait: 5 * time.Second,
	}

	logger.Debug("SOCKET_PATH is", "path", env.SocketPath)
	logger.Debug("FILES_DIR is", "dir", env.FilesDir)
	logger.Debug("SFTP_SERVER_ADDR is", "ADDR", env.SftpAddr)

	env.Framing, err = protocol.ParseFraming(os.Getenv("FRAMING"))
	if err != nil {
		return nil, err
	}
	logger.Debug("FRAMING is", "framing", env.Framing)

	if env.MaxSessions, err = getInt("MAX_SESSIONS"); err != nil {
		return nil, err
	}
	if env.MaxPayload, err = getInt("MAX_PAYLOAD_BYTES"); err != nil {
		return nil, err
	}
	logger.Debug("limits are", "MAX_SESSIONS", env.MaxSessions, "MAX_PAYLOAD_BYTES", env.MaxPayload)

	if v := os.Getenv("WATCH_FILES"); v != "" {
		env.WatchFiles, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("WATCH_FILES: %w", err)
		}
	}

	if err = os.MkdirAll(env.FilesDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating files directory: %w", err)
	}
	return env, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non negative number, got %q", key, v)
	}
	return n, nil
}

// program runs the servers for kardianos/service
type program struct {
	env    *Environment
	logger *slog.Logger

	socketServer *server.Server
	sftpServer   *sftp.Server
	stopWatch    context.CancelFunc
	watchDone    chan struct{}
}

// Start binds every listener before returning so a setup failure fails the run.
func (p *program) Start(s service.Service) error {
	env := p.env

	secret, err := auth.NewSecret(env.Secret, env.SecretHash)
	if err != nil {
		return fmt.Errorf("error loading secret: %w", err)
	}

	// file system
	localFS := filesystem.NewLocalFS(env.FilesDir)
	localFS.SetLogger(p.logger)

	if env.WatchFiles {
		ctx, cancel := context.WithCancel(context.Background())
		p.stopWatch = cancel
		p.watchDone = make(chan struct{})
		go func() {
			defer close(p.watchDone)
			if err := localFS.Watch(ctx); err != nil {
				p.logger.Error("File watcher stopped", "error", err)
			}
		}()
	}

	// unix socket server
	p.socketServer = server.NewServer(env.SocketPath, localFS, secret)
	p.socketServer.SetLogger(p.logger)
	p.socketServer.Framing = env.Framing
	p.socketServer.MaxSessions = env.MaxSessions
	p.socketServer.MaxPayload = env.MaxPayload
	if err := p.socketServer.TryListenAndServe(time.Second); err != nil {
		p.stopWatcher()
		return fmt.Errorf("error starting socket server: %w", err)
	}
	p.logger.Info("Socket server started", "path", env.SocketPath, "framing", env.Framing, "platform", service.Platform())

	// sftp server
	if env.SftpAddr != "" {
		p.sftpServer = sftp.NewSFTPServer(env.SftpAddr, localFS, secret)
		p.sftpServer.SetLogger(p.logger)
		if env.SftpHostKey != "" {
			if err := p.sftpServer.SetPrivateKeyFile(env.SftpHostKey); err != nil {
				return multierror.Append(fmt.Errorf("error loading host key: %w", err), p.shutdown()).ErrorOrNil()
			}
		}
		if err := p.sftpServer.TryListenAndServe(time.Second); err != nil {
			return multierror.Append(fmt.Errorf("error starting sftp server: %w", err), p.shutdown()).ErrorOrNil()
		}
		p.logger.Info("SFTP server started", "addr", env.SftpAddr)
	}
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.logger.Info("Stopping", "service", p.env.ServiceName)
	return p.shutdown()
}

// shutdown closes every server that was started, collecting their errors
func (p *program) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.env.ShutdownWait)
	defer cancel()

	var result *multierror.Error
	if p.socketServer != nil {
		if err := p.socketServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("socket server: %w", err))
		}
	}
	if p.sftpServer != nil {
		if err := p.sftpServer.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("sftp server: %w", err))
		}
	}
	p.stopWatcher()
	return result.ErrorOrNil()
}

func (p *program) stopWatcher() {
	if p.stopWatch == nil {
		return
	}
	p.stopWatch()
	<-p.watchDone
	p.stopWatch = nil
}
