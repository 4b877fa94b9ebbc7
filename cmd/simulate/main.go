package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/logging"
)

type SimConfig struct {
	APIBaseURL     string
	Date           string
	RaceSlots      int
	RacersPerSlot  int
	PatientLimit   int
	DoctorLimit    int
	QueueEnqueuers int
	PostgresDSN    string
}

type DataPool struct {
	Patients []uuid.UUID
	Doctors  []uuid.UUID
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min2(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min2(len(latencies)*95/100, len(latencies)-1)]
	return avg, min, max, p50, p95
}

type Metrics struct {
	Booking  OperationMetrics
	Confirm  OperationMetrics
	Enqueue  OperationMetrics
	CallNext OperationMetrics
}

type slotRef struct {
	DoctorID uuid.UUID
	Time     string
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	staff   uuid.UUID
	log     logrus.FieldLogger
	metrics Metrics

	// invariant violations seen during the run
	violations []string
	mu         sync.Mutex
}

func main() {
	cfg := loadConfig()
	log := logging.New("dev", getEnv("LOG_LEVEL", "info"), "simulate")

	if err := validateConfig(cfg); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	log.WithFields(logrus.Fields{
		"date":            cfg.Date,
		"race_slots":      cfg.RaceSlots,
		"racers_per_slot": cfg.RacersPerSlot,
	}).Info("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4}, log)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.WithError(err).Fatal("load data pool")
	}
	log.Infof("loaded: %d patients, %d doctors", len(dataPool.Patients), len(dataPool.Doctors))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		staff:  uuid.New(),
		log:    log,
	}

	runCtx := context.Background()
	winners := sim.RunBookingRace(runCtx)
	sim.RunQueue(runCtx, winners)
	sim.PrintReport()

	if len(sim.violations) > 0 {
		os.Exit(1)
	}
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load base config: %v", err)
	}

	return SimConfig{
		APIBaseURL:     getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Date:           getEnv("SIM_DATE", nextWeekday(time.Now()).Format("2006-01-02")),
		RaceSlots:      getInt("SIM_RACE_SLOTS", 20),
		RacersPerSlot:  getInt("SIM_RACERS_PER_SLOT", 25),
		PatientLimit:   getInt("SIM_PATIENT_LIMIT", 2000),
		DoctorLimit:    getInt("SIM_DOCTOR_LIMIT", 5),
		QueueEnqueuers: getInt("SIM_QUEUE_ENQUEUERS", 8),
		PostgresDSN:    baseCfg.PostgresDSN,
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.RacersPerSlot <= 0 || cfg.RaceSlots <= 0 {
		return fmt.Errorf("SIM_RACE_SLOTS and SIM_RACERS_PER_SLOT must be > 0")
	}
	if _, err := time.Parse("2006-01-02", cfg.Date); err != nil {
		return fmt.Errorf("SIM_DATE must be YYYY-MM-DD")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT DISTINCT doctor_id FROM doctor_availability
		WHERE is_active
		LIMIT $1
	`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Doctors = append(dataPool.Doctors, id)
	}
	rows.Close()

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors loaded")
	}
	return dataPool, nil
}

// RunBookingRace sends RacersPerSlot concurrent bookings at each of
// RaceSlots free slots and checks that exactly one wins each slot.
func (s *Simulator) RunBookingRace(ctx context.Context) map[slotRef]uuid.UUID {
	slots := s.freeSlots(ctx)
	if len(slots) > s.config.RaceSlots {
		slots = slots[:s.config.RaceSlots]
	}
	s.log.WithField("slots", len(slots)).Info("starting booking race")

	winners := make(map[slotRef]uuid.UUID)
	var winnersMu sync.Mutex

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, slot := range slots {
		patients := make([]uuid.UUID, s.config.RacersPerSlot)
		for i := range patients {
			patients[i] = s.pool.Patients[rng.Intn(len(s.pool.Patients))]
		}

		var (
			wg    sync.WaitGroup
			wins  int64
			start = make(chan struct{})
		)
		for _, patientID := range patients {
			wg.Add(1)
			go func(patientID uuid.UUID) {
				defer wg.Done()
				<-start
				if id, ok := s.book(ctx, slot, patientID); ok {
					atomic.AddInt64(&wins, 1)
					winnersMu.Lock()
					winners[slot] = id
					winnersMu.Unlock()
				}
			}(patientID)
		}
		close(start)
		wg.Wait()

		if wins != 1 {
			s.violation("slot %s %s had %d winning bookings", slot.DoctorID, slot.Time, wins)
		}
	}
	return winners
}

func (s *Simulator) freeSlots(ctx context.Context) []slotRef {
	var out []slotRef
	for _, doctorID := range s.pool.Doctors {
		var resp struct {
			Slots []struct {
				Time string `json:"time"`
			} `json:"slots"`
		}
		status, err := s.call(ctx, http.MethodGet, fmt.Sprintf("/doctors/%s/slots?date=%s&type=IN_PERSON", doctorID, s.config.Date), nil, &resp)
		if err != nil || status != http.StatusOK {
			s.log.WithError(err).WithField("status", status).Warn("slot proposal failed")
			continue
		}
		for _, slot := range resp.Slots {
			out = append(out, slotRef{DoctorID: doctorID, Time: slot.Time})
		}
	}
	return out
}

func (s *Simulator) book(ctx context.Context, slot slotRef, patientID uuid.UUID) (uuid.UUID, bool) {
	start := time.Now()

	var resp struct {
		ID uuid.UUID `json:"id"`
	}
	status, err := s.call(ctx, http.MethodPost, "/appointments", map[string]string{
		"patientId":        patientID.String(),
		"doctorId":         slot.DoctorID.String(),
		"date":             s.config.Date,
		"time":             slot.Time,
		"consultationType": "IN_PERSON",
	}, &resp)
	latency := time.Since(start)

	success := err == nil && status == http.StatusCreated
	conflict := err == nil && status == http.StatusConflict
	s.metrics.Booking.Record(latency, success, conflict)
	return resp.ID, success
}

// RunQueue confirms the race winners, enqueues them concurrently and calls
// each doctor's queue until it is empty. Tokens must come out in order.
func (s *Simulator) RunQueue(ctx context.Context, winners map[slotRef]uuid.UUID) {
	var ids []uuid.UUID
	doctors := make(map[uuid.UUID]bool)
	for slot, id := range winners {
		start := time.Now()
		status, err := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/confirm", nil, nil)
		ok := err == nil && status == http.StatusOK
		s.metrics.Confirm.Record(time.Since(start), ok, err == nil && status == http.StatusConflict)
		if ok {
			ids = append(ids, id)
			doctors[slot.DoctorID] = true
		}
	}

	work := make(chan uuid.UUID)
	var wg sync.WaitGroup
	for i := 0; i < s.config.QueueEnqueuers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				start := time.Now()
				status, err := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/queue", nil, nil)
				s.metrics.Enqueue.Record(time.Since(start), err == nil && status == http.StatusOK, err == nil && status == http.StatusConflict)
			}
		}()
	}
	for _, id := range ids {
		work <- id
	}
	close(work)
	wg.Wait()

	for doctorID := range doctors {
		last := 0
		for {
			start := time.Now()
			var entry struct {
				Token int `json:"token"`
			}
			status, err := s.call(ctx, http.MethodPost, fmt.Sprintf("/queues/%s/%s/next", doctorID, s.config.Date), nil, &entry)
			ok := err == nil && status == http.StatusOK
			s.metrics.CallNext.Record(time.Since(start), ok, err == nil && status == http.StatusConflict)
			if !ok {
				break
			}
			if entry.Token <= last {
				s.violation("doctor %s called token %d after %d", doctorID, entry.Token, last)
			}
			last = entry.Token
		}
	}
}

func (s *Simulator) call(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Role", "STAFF")
	req.Header.Set("X-Actor-ID", s.staff.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) violation(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.log.Error(msg)
	s.mu.Lock()
	s.violations = append(s.violations, msg)
	s.mu.Unlock()
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Date: %s\n", s.config.Date)
	fmt.Printf("Racers per slot: %d\n", s.config.RacersPerSlot)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Enqueue", &s.metrics.Enqueue)
	printOperationReport("Call next", &s.metrics.CallNext)

	if len(s.violations) == 0 {
		fmt.Println("Invariant violations: none")
		return
	}
	fmt.Printf("Invariant violations: %d\n", len(s.violations))
	for _, v := range s.violations {
		fmt.Printf("  - %s\n", v)
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// nextWeekday returns the first Monday to Friday strictly after t.
func nextWeekday(t time.Time) time.Time {
	d := t.AddDate(0, 0, 1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}
