package backend

import (
	"crypto/md5"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/failpark/zeiterfassung2/core/access"
	"github.com/failpark/zeiterfassung2/core/logger"
)

// tableStatistics represents information about one table.
type tableStatistics struct {
	Table        string  `json:"table"`
	Count        int64   `json:"count"`
	SizeMB       float64 `json:"size_mb"`
	AverageSizeB float64 `json:"average_size_b"`
}

// statisticsDetails represents information about the backend tables.
type statisticsDetails struct {
	Tables []tableStatistics `json:"tables"`
}

func (b *Backend) handleStatistics(router *mux.Router) {
	logger.Default().Debugln("handle statistics route: /statistics GET")
	router.Handle("/statistics", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		b.statisticsWithAuth(w, r)
	}))).Methods(http.MethodOptions, http.MethodGet)
}

func (b *Backend) statisticsWithAuth(w http.ResponseWriter, r *http.Request) {
	identity, _ := access.IdentityFromContext(r.Context())
	if err := identity.RequireAdmin(); err != nil {
		b.writeError(w, r, err)
		return
	}

	// table names sorted so the ETag is stable
	tables := []string{"activity", "client", "project", "tracking", "tracking_to_activity", "user"}

	s := statisticsDetails{Tables: []tableStatistics{}}
	for _, table := range tables {
		row := b.db.QueryRow(fmt.Sprintf(`SELECT pg_total_relation_size('%s."%s"'), count(*) FROM %s."%s"`,
			b.db.Schema, table, b.db.Schema, table))
		var size, count int64
		if err := row.Scan(&size, &count); err != nil {
			b.writeError(w, r, err)
			return
		}
		var averageSize float64
		if count != 0 {
			averageSize = float64(size / count)
		}
		s.Tables = append(s.Tables, tableStatistics{
			Table:        table,
			Count:        count,
			SizeMB:       float64(size) / 1024. / 1024.,
			AverageSizeB: averageSize,
		})
	}

	jsonData, _ := json.Marshal(s)
	etag := bytesToEtag(jsonData)
	w.Header().Set("Etag", etag)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

func bytesToEtag(data []byte) string {
	return fmt.Sprintf(`"%x"`, md5.Sum(data))
}

func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.Trim(ifNoneMatch, " ")
	if len(ifNoneMatch) == 0 {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	for _, s := range strings.Split(ifNoneMatch, ",") {
		s = strings.Trim(s, " \"")
		t := strings.Trim(etag, " \"")
		if s == t {
			return true
		}
	}
	return false
}
