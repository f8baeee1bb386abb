// pigeonx is an SMTP receiver: it accepts inbound mail, gates senders
// through SPF, and stores parsed messages and attachments in Postgres.
package main

import (
	"context"
	"os"
	"strconv"

	"blitiri.com.ar/go/log"

	"github.com/tochire/PigeonX/internal/config"
	"github.com/tochire/PigeonX/internal/maillog"
	"github.com/tochire/PigeonX/internal/reactor"
	"github.com/tochire/PigeonX/internal/storage"
)

// configPath is fixed: pigeonx takes no command-line arguments of its own,
// beyond the ones blitiri.com.ar/go/log registers.
const configPath = "./config.conf"

// maxDataSize bounds a DATA payload; it matches the SIZE value advertised in
// the EHLO capability block.
const maxDataSize = 35882577

func main() {
	log.Init()
	log.Infof("pigeonx starting")

	conf, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	maillog.Default = maillog.New(os.Stdout)

	ctx := context.Background()

	db, err := storage.Connect(ctx, conf.DBConnStr)
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	defer db.Disconnect(ctx)

	if err := db.InitPreparedStatements(ctx); err != nil {
		log.Fatalf("Error preparing statements: %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	r := reactor.New("mx."+hostname, maxDataSize, conf.Backlog, conf.Workers, db)

	l, err := reactor.Listen(ctx, ":"+strconv.Itoa(conf.Port))
	if err != nil {
		log.Fatalf("Error listening on port %d: %v", conf.Port, err)
	}

	if err := r.Serve(l); err != nil {
		log.Fatalf("reactor: %v", err)
	}
}
