package config // package config loads application configuration from environment variables

import (
    "log"      // log is used to report configuration errors and halt execution
    "os"       // os provides access to environment variables
    "strconv"  // strconv converts strings to other types
    "time"     // time parses duration-valued variables
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  The types reflect how the values are used in
// the application: strings for identifiers and secrets, durations for
// deadlines and sweep cadences, int64 for money amounts in cents.
type Config struct {
    Env             string        // application environment (e.g. "dev", "prod")
    Port            string        // HTTP port to listen on
    DBUser          string        // database username
    DBPass          string        // database password (optional)
    DBHost          string        // database host address
    DBPort          string        // database port number
    DBName          string        // database name
    JWTSecret       string        // secret used to verify JWTs issued by the identity service
    ProofTTL        time.Duration // window for the buyer to submit payment proof
    AdminTTL        time.Duration // window for the organizer to confirm or reject
    ServiceFeeCents int64         // fixed service fee added to every transaction
    SweepInterval   time.Duration // deadline scheduler polling interval
    RollbackSweep   time.Duration // rollback orchestrator polling interval
    RollbackRetries int           // rollback attempts before an alert is raised
}

// Load reads configuration values from environment variables and returns a
// Config.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.  Deadline and sweep
// values have defaults so a bare .env still yields a working engine.
func Load() Config {
    return Config{
        Env:             must("APP_ENV"),                                  // environment (dev/test/prod)
        Port:            must("APP_PORT"),                                 // port to bind the HTTP server
        DBUser:          must("DB_USER"),                                  // database user
        DBPass:          os.Getenv("DB_PASS"),                             // database password (empty allowed)
        DBHost:          must("DB_HOST"),                                  // database host
        DBPort:          must("DB_PORT"),                                  // database port
        DBName:          must("DB_NAME"),                                  // database name
        JWTSecret:       must("JWT_SECRET"),                               // secret used for verifying JWTs
        ProofTTL:        durDefault("PAYMENT_PROOF_TTL", 2*time.Hour),     // payment proof deadline
        AdminTTL:        durDefault("ADMIN_RESPONSE_TTL", 72*time.Hour),   // admin response deadline
        ServiceFeeCents: int64(intDefault("SERVICE_FEE_CENTS", 5000)),     // flat fee per transaction
        SweepInterval:   durDefault("DEADLINE_SWEEP_INTERVAL", 30*time.Second),  // deadline sweep cadence
        RollbackSweep:   durDefault("ROLLBACK_SWEEP_INTERVAL", 15*time.Second),  // rollback sweep cadence
        RollbackRetries: intDefault("ROLLBACK_MAX_ATTEMPTS", 5),           // attempts before alerting
    }
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
    v, ok := os.LookupEnv(key)
    if !ok || v == "" {
        log.Fatalf("missing required env var: %s", key)
    }
    return v
}

// intDefault reads an optional integer variable, falling back to def when
// the variable is unset.  A malformed value is treated as fatal rather than
// silently ignored.
func intDefault(key string, def int) int {
    s, ok := os.LookupEnv(key)
    if !ok || s == "" {
        return def
    }
    n, err := strconv.Atoi(s)
    if err != nil {
        log.Fatalf("invalid int for %s: %q", key, s)
    }
    return n
}

// durDefault reads an optional duration variable ("2h", "30s", ...),
// falling back to def when the variable is unset.
func durDefault(key string, def time.Duration) time.Duration {
    s, ok := os.LookupEnv(key)
    if !ok || s == "" {
        return def
    }
    d, err := time.ParseDuration(s)
    if err != nil {
        log.Fatalf("invalid duration for %s: %q", key, s)
    }
    return d
}
