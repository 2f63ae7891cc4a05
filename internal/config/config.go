package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	City        string
	Location    *time.Location
	// CityWatchInterval between checks for a newer city import; 0 disables.
	CityWatchInterval time.Duration

	NATSURL              string
	NATSPositionsSubject string
	NATSSubjectPrefix    string
	PublishViaNATS       bool
	ReadPositionsStdin   bool
	LogNATSSubjects      bool

	PositionsWebSocketURL string
	// PositionsWebSocketSubscribe is sent after connecting, if set.
	PositionsWebSocketSubscribe string

	TrajectoriesDir     string
	TrajectoryCacheSize int

	HTTPAddr    string
	MetricsAddr string
	LogLevel    string
	LogDev      bool

	MatchScoreCeiling   float64
	MatchAmbiguityRatio float64
	MatchMaxDistance    float64

	DwellMaxMovement    float64
	DwellMinDuration    time.Duration
	DwellStartProximity float64
	DwellOffTrajectory  float64

	RecencyTTL               time.Duration
	PrognosisInterval        time.Duration
	PlannedPositionsInterval time.Duration
	MaxPositionAge           time.Duration
	VehicleCapacity          int
	FeedTTL                  time.Duration

	// DepotPolygon ("lon,lat;lon,lat;...") encloses a depot whose
	// vehicles are not prognosed.
	DepotPolygon string

	// MockT0 shifts the service clock to start at this instant. Zero
	// means the wall clock is used unchanged.
	MockT0 time.Time
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		// If CITY is provided, default base DB to 'postgres' when PGDATABASE is not set.
		if db == "" && os.Getenv("CITY") != "" {
			db = "postgres"
		}
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}
	// City name for dynamic DB resolution
	cfg.City = firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME"))
	if cfg.CityWatchInterval, err = secondsVar("CITY_DB_WATCH_INTERVAL_SEC", 1800, 0); err != nil {
		return nil, err
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSPositionsSubject = os.Getenv("NATS_POSITIONS_SUBJECT")
	cfg.NATSSubjectPrefix = strings.Trim(getenvDefault("NATS_SUBJECT_PREFIX", "prognosis"), ".")
	if cfg.PublishViaNATS, err = boolVar("PUBLISH_VIA_NATS", true); err != nil {
		return nil, err
	}
	if cfg.ReadPositionsStdin, err = boolVar("READ_POSITIONS_FROM_STDIN", false); err != nil {
		return nil, err
	}
	if cfg.LogNATSSubjects, err = boolVar("LOG_NATS_SUBJECTS", false); err != nil {
		return nil, err
	}

	cfg.PositionsWebSocketURL = os.Getenv("POSITIONS_WS_URL")
	cfg.PositionsWebSocketSubscribe = os.Getenv("POSITIONS_WS_SUBSCRIBE")

	cfg.TrajectoriesDir = getenvDefault("TRAJECTORIES_DIR", "trajectories")
	if cfg.TrajectoryCacheSize, err = intVar("TRAJECTORY_CACHE_SIZE", 1000, 1); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":3000")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	if cfg.LogDev, err = boolVar("LOG_DEVELOPMENT", false); err != nil {
		return nil, err
	}

	if cfg.MatchScoreCeiling, err = floatVar("MATCH_SCORE_CEILING", 100); err != nil {
		return nil, err
	}
	if cfg.MatchAmbiguityRatio, err = floatVar("MATCH_AMBIGUITY_RATIO", 0.8); err != nil {
		return nil, err
	}
	if cfg.MatchAmbiguityRatio > 1 {
		return nil, fmt.Errorf("invalid MATCH_AMBIGUITY_RATIO: %v is above 1", cfg.MatchAmbiguityRatio)
	}
	if cfg.MatchMaxDistance, err = floatVar("MATCH_MAX_DISTANCE_M", 200); err != nil {
		return nil, err
	}
	if cfg.DwellMaxMovement, err = floatVar("DWELL_MAX_MOVEMENT_M", 120); err != nil {
		return nil, err
	}
	if cfg.DwellMinDuration, err = secondsVar("DWELL_MIN_DURATION_SEC", 120, 1); err != nil {
		return nil, err
	}
	if cfg.DwellStartProximity, err = floatVar("DWELL_START_PROXIMITY_M", 300); err != nil {
		return nil, err
	}
	if cfg.DwellOffTrajectory, err = floatVar("DWELL_OFF_TRAJECTORY_M", 300); err != nil {
		return nil, err
	}

	if cfg.RecencyTTL, err = secondsVar("RECENCY_TTL_SEC", 300, 1); err != nil {
		return nil, err
	}
	if v := os.Getenv("PROGNOSIS_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid PROGNOSIS_INTERVAL_MS: %q", v)
		}
		cfg.PrognosisInterval = time.Duration(ms) * time.Millisecond
	} else {
		cfg.PrognosisInterval = 10 * time.Second
	}
	// 0 disables planned positions
	if cfg.PlannedPositionsInterval, err = secondsVar("PLANNED_POSITIONS_INTERVAL_SEC", 0, 0); err != nil {
		return nil, err
	}
	if cfg.MaxPositionAge, err = secondsVar("MAX_POSITION_AGE_SEC", 600, 1); err != nil {
		return nil, err
	}
	if cfg.VehicleCapacity, err = intVar("VEHICLE_CAPACITY", 0, 0); err != nil {
		return nil, err
	}
	if cfg.FeedTTL, err = secondsVar("FEED_TTL_SEC", 600, 1); err != nil {
		return nil, err
	}

	cfg.DepotPolygon = os.Getenv("DEPOT_POLYGON")

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if v := os.Getenv("MOCK_T0"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid MOCK_T0: %q", v)
		}
		cfg.MockT0 = time.UnixMilli(ms).In(cfg.Location)
	}

	return cfg, nil
}

func boolVar(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s: %q", k, v)
}

func intVar(k string, def, min int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func floatVar(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

func secondsVar(k string, def, min int) (time.Duration, error) {
	n, err := intVar(k, def, min)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
