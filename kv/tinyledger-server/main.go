package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/pingcap-incubator/tinyledger/kv/config"
	"github.com/pingcap-incubator/tinyledger/kv/server"
	"github.com/pingcap-incubator/tinyledger/kv/storage/commit"
	"github.com/pingcap-incubator/tinyledger/kv/storage/journal"
	"github.com/pingcap-incubator/tinyledger/kv/transaction/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "config file path")
	dataDir    = flag.String("data-dir", "", "ledger directory")
	batchPath  = flag.String("batch", "", "execute the JSON batch in this file, print the result and exit")
)

var (
	gitHash = "None"
)

const maxBatchBody = 16 << 20

func main() {
	flag.Parse()
	conf := loadConfig()
	if *dataDir != "" {
		conf.DataDir = *dataDir
	}
	if err := conf.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := conf.SetupLogger(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.ReplaceGlobals(conf.GetZapLogger(), conf.GetZapLogProperties())
	defer log.Sync()
	log.Info("starting tinyledger", zap.String("git-hash", gitHash), zap.Any("config", conf))

	threshold, err := conf.GCThreshold()
	if err != nil {
		log.Fatal("invalid wal-gc-threshold", zap.String("value", conf.WALGCThreshold), zap.Error(err))
	}
	store, err := commit.Open(commit.Options{Dir: conf.DataDir, Genesis: conf.Genesis, GCThreshold: threshold})
	if err != nil {
		if _, ok := errors.Cause(err).(*commit.IntegrityFault); ok {
			log.Fatal("ledger failed integrity check, refusing to start", zap.Error(err))
		}
		log.Fatal("open ledger failed", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ledger := server.NewServer(store, conf, reg)
	if conf.JournalPath != "" {
		j, err := journal.Open(conf.JournalPath)
		if err != nil {
			log.Fatal("open journal failed", zap.String("path", conf.JournalPath), zap.Error(err))
		}
		defer j.Close()
		ledger.AttachJournal(j, conf.JournalRetention)
	}
	defer ledger.Stop()

	if *batchPath != "" {
		if err := runBatchFile(ledger, *batchPath); err != nil {
			log.Error("batch failed", zap.String("path", *batchPath), zap.Error(err))
		}
		return
	}

	httpServer := &http.Server{Addr: conf.StatusAddr, Handler: newMux(ledger, reg)}
	handleSignal(httpServer)
	log.Info("listening", zap.String("addr", conf.StatusAddr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("http server failed", zap.Error(err))
	}
	log.Info("Server stopped.")
}

func loadConfig() *config.Config {
	if *configPath == "" {
		return config.NewDefaultConfig()
	}
	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return conf
}

func decodeBatch(data []byte) ([]*txn.Transaction, error) {
	var specs []txn.Spec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, errors.Annotate(err, "decode batch")
	}
	batch := make([]*txn.Transaction, 0, len(specs))
	for _, spec := range specs {
		tx, err := txn.New(spec)
		if err != nil {
			return nil, err
		}
		batch = append(batch, tx)
	}
	return batch, nil
}

func runBatchFile(ledger *server.Server, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	batch, err := decodeBatch(data)
	if err != nil {
		return err
	}
	res := ledger.ExecuteBatch(context.Background(), batch)
	out, err := res.Encode()
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return res.Err
}

func newMux(ledger *server.Server, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		store := ledger.Store()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"seq":  store.Seq(),
			"root": hex.EncodeToString(store.Root()),
		})
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing account id", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, ledger.GetAccountState(id))
	})
	mux.HandleFunc("/journal", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var (
			v   interface{}
			err error
		)
		switch {
		case q.Get("tx") != "":
			v, err = ledger.TransactionRecord(q.Get("tx"))
		case q.Get("seq") != "":
			var seq uint64
			if seq, err = strconv.ParseUint(q.Get("seq"), 10, 64); err != nil {
				http.Error(w, "bad seq: "+err.Error(), http.StatusBadRequest)
				return
			}
			v, err = ledger.BatchRecord(seq)
		default:
			from, limit, perr := scanRange(q.Get("from"), q.Get("limit"))
			if perr != nil {
				http.Error(w, perr.Error(), http.StatusBadRequest)
				return
			}
			v, err = ledger.BatchRecords(from, limit)
		}
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, v)
		case err == server.ErrNoJournal:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Cause(err) == journal.ErrNotFound:
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/batch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST a JSON array of transactions", http.StatusMethodNotAllowed)
			return
		}
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBatchBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		batch, err := decodeBatch(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res := ledger.ExecuteBatch(r.Context(), batch)
		out, err := res.Encode()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	})
	return mux
}

const defaultJournalLimit = 100

// scanRange parses the from and limit parameters of a journal scan.
func scanRange(fromParam, limitParam string) (uint64, int, error) {
	var from uint64
	limit := defaultJournalLimit
	var err error
	if fromParam != "" {
		if from, err = strconv.ParseUint(fromParam, 10, 64); err != nil {
			return 0, 0, errors.Annotate(err, "bad from")
		}
	}
	if limitParam != "" {
		if limit, err = strconv.Atoi(limitParam); err != nil || limit <= 0 {
			return 0, 0, errors.Errorf("bad limit %q", limitParam)
		}
	}
	return from, limit, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func handleSignal(httpServer *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		log.Info("Got signal to exit.", zap.Stringer("signal", sig))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Warn("http shutdown failed", zap.Error(err))
		}
	}()
}
