package mw

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// CacheHeader reports whether a response was served from the snapshot cache.
const CacheHeader = "X-Cache"

type snapshot struct {
	status  int
	headers http.Header
	body    []byte
}

type recordingWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Snapshot serves successful GET responses from store for ttl. The status handler probes
// the network, so repeated polls within ttl reuse the previous answer.
func Snapshot(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := c.Request.URL.RequestURI()
		if v, found := store.Get(key); found {
			snap := v.(snapshot)
			for k, vals := range snap.headers {
				c.Writer.Header()[k] = vals
			}
			c.Writer.Header().Set(CacheHeader, "HIT")
			c.Writer.WriteHeader(snap.status)
			_, _ = c.Writer.Write(snap.body)
			c.Abort()
			return
		}

		c.Writer.Header().Set(CacheHeader, "MISS")
		rw := &recordingWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = rw

		c.Next()

		if rw.Status() >= 200 && rw.Status() < 300 {
			headers := rw.Header().Clone()
			headers.Del(CacheHeader)
			store.Set(key, snapshot{status: rw.Status(), headers: headers, body: rw.body.Bytes()}, ttl)
		}
	}
}
