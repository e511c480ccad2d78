package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/failpark/zeiterfassung2/backend"
	"github.com/failpark/zeiterfassung2/core/csql"
	"github.com/failpark/zeiterfassung2/core/logger"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres         string        `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string        `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	Port             string        `env:"PORT,default=3000" description:"the port the service listens on"`
	TokenTTL         time.Duration `env:"TOKEN_TTL,default=120h" description:"lifetime of issued session tokens"`
	AllowedOrigin    string        `env:"ALLOWED_ORIGIN,default=*" description:"CORS allowed origin"`
	KafkaBrokers     string        `env:"KAFKA_BROKERS,optional" description:"comma separated Kafka brokers for change notifications"`
	LogLevel         string        `env:"LOG_LEVEL,default=info" description:"log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logLevel)

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, "zeiterfassung")
	defer db.Close()

	var brokers []string
	if service.KafkaBrokers != "" {
		brokers = strings.Split(service.KafkaBrokers, ",")
	}

	router := mux.NewRouter()
	backend.New(&backend.Builder{
		DB:            db,
		Router:        router,
		TokenTTL:      service.TokenTTL,
		AllowedOrigin: service.AllowedOrigin,
		KafkaBrokers:  brokers,
	})

	logger.Default().Infoln("listen on port :" + service.Port)
	logger.Default().Fatal(http.ListenAndServe(":"+service.Port, router))
}
