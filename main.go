package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hostdeck/hostdeck/internal/audit"
	"github.com/hostdeck/hostdeck/internal/auth"
	"github.com/hostdeck/hostdeck/internal/config"
	"github.com/hostdeck/hostdeck/internal/containers"
	"github.com/hostdeck/hostdeck/internal/crypto"
	"github.com/hostdeck/hostdeck/internal/database"
	"github.com/hostdeck/hostdeck/internal/handlers"
	"github.com/hostdeck/hostdeck/internal/logging"
	"github.com/hostdeck/hostdeck/internal/ptyproc"
	"github.com/hostdeck/hostdeck/internal/quota"
	"github.com/hostdeck/hostdeck/internal/rbac"
	"github.com/hostdeck/hostdeck/internal/sessions"
	"github.com/hostdeck/hostdeck/internal/terminal"
	"github.com/hostdeck/hostdeck/internal/transcript"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		case "--reset-quota":
			runCLICommand("reset-quota")
			return
		}
	}

	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: AuthDisabled=%v, RPID=%s, RPOrigins=%v, Shell=%s, WorkDir=%s, DefaultCommandLimit=%d",
		config.Cfg.AuthDisabled, config.Cfg.RPID, config.Cfg.RPOrigins, config.Cfg.TerminalShell, config.Cfg.TerminalWorkDir, config.Cfg.TerminalDefaultCommandLimit)

	key, err := crypto.Key()
	if err != nil {
		log.Fatalf("Encryption key init: %v", err)
	}

	// Init session store and terminal tickets
	sessionStore := auth.NewSessionStore()
	tickets := auth.NewTickets(key, config.Cfg.TerminalTicketTTL)
	handlers.SessionStore = sessionStore
	handlers.Tickets = tickets

	passkeys, err := auth.NewPasskeys(config.Cfg.RPID, config.Cfg.RPOrigins)
	if err != nil {
		log.Printf("WARNING: passkey login disabled: %v", err)
	} else {
		handlers.Passkeys = passkeys
	}

	policy := rbac.DefaultPolicy()
	if config.Cfg.RBACPolicyFile != "" {
		policy, err = rbac.LoadPolicyFile(config.Cfg.RBACPolicyFile)
		if err != nil {
			log.Fatalf("RBAC policy: %v", err)
		}
	}
	checker, err := rbac.NewChecker(database.DB, policy)
	if err != nil {
		log.Fatalf("RBAC init: %v", err)
	}
	handlers.Permissions = checker

	sessionRecords := sessions.NewStore(database.DB)
	transcripts := transcript.NewStore(database.DB)
	quotas := quota.NewTracker(database.DB)
	auditor := audit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	handlers.Sessions = sessionRecords
	handlers.Transcripts = transcripts
	handlers.Quota = quotas
	handlers.AuditLog = auditor

	// Init terminal multiplexer
	owner := ptyproc.NewOwner(ptyproc.Config{
		Shell: config.Cfg.TerminalShell,
		Dir:   config.Cfg.TerminalWorkDir,
		Cols:  config.Cfg.TerminalCols,
		Rows:  config.Cfg.TerminalRows,
	})
	coord := terminal.New(terminal.Options{
		Auth:        auth.NewVerifier(sessionStore, tickets),
		Permissions: checker,
		Quota:       quotas,
		Transcripts: transcripts,
		Sessions:    sessionRecords,
		Processes:   owner,
		Audit:       auditor,
		OutboxSize:  config.Cfg.TerminalOutboxSize,
	})
	handlers.Terminal = coord
	log.Printf("Terminal multiplexer initialized (shell=%s, outbox=%d, idle_timeout=%s)",
		config.Cfg.TerminalShell, config.Cfg.TerminalOutboxSize, config.Cfg.TerminalIdleTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	docker, err := containers.NewDocker(ctx, config.Cfg.DockerHost)
	if err != nil {
		log.Printf("WARNING: container runtime unavailable: %v", err)
	} else {
		handlers.Containers = docker
		defer docker.Close()
	}

	jobs := &maintenance{
		logins:      sessionStore,
		terminal:    coord,
		audit:       auditor,
		idleTimeout: config.Cfg.TerminalIdleTimeout,
		now:         time.Now,
	}
	scheduler, err := jobs.start(ctx, config.Cfg.TerminalReapSchedule)
	if err != nil {
		log.Fatalf("Maintenance jobs: %v", err)
	}

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: newRouter(sessionStore, checker, config.Cfg.StaticDir),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-scheduler.Stop().Done()
	owner.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	needsPassword := command != "reset-quota"
	if *username == "" || (needsPassword && *password == "") {
		if needsPassword {
			fmt.Fprintf(os.Stderr, "Usage: hostdeck --%s --username <user> --password <pass>\n", command)
		} else {
			fmt.Fprintf(os.Stderr, "Usage: hostdeck --%s --username <user>\n", command)
		}
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	switch command {
	case "create-admin":
		hash, err := auth.HashPassword(*password)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		user := &database.User{
			Username:     *username,
			PasswordHash: hash,
			Role:         "admin",
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		hash, err := auth.HashPassword(*password)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'. Note: existing sessions will expire within 1 hour.\n", *username)

	case "reset-quota":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := quota.NewTracker(database.DB).Reset(context.Background(), user.ID); err != nil {
			log.Fatalf("Failed to reset quota: %v", err)
		}
		fmt.Printf("Command quota reset for '%s'.\n", *username)
	}
}
