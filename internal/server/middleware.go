package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gin-gonic/gin"

	"github.com/setavenger/blindbit-statedb/internal/logging"
)

const (
	ctxKeyHash   = "hash"
	ctxKeyHeight = "height"
)

// ParseHashMiddleware decodes the path parameter param as a hash and stores
// it in the gin context.
func ParseHashMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		hashStr := c.Param(param)
		if hashStr == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": param + " is required"})
			return
		}

		hash, err := chainhash.NewHashFromStr(hashStr)
		if err != nil || len(hashStr) != 2*chainhash.HashSize {
			logging.L.Debug().Str(param, hashStr).Msg("could not parse hash")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "could not parse " + param})
			return
		}

		c.Set(ctxKeyHash, *hash)
		c.Next()
	}
}

func ParseHeightMiddleware(c *gin.Context) {
	heightStr := c.Param("height")
	if heightStr == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "block height is required"})
		return
	}

	height, err := strconv.ParseUint(heightStr, 10, 64)
	if err != nil {
		logging.L.Debug().Err(err).Msg("could not parse block height")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "could not parse block height"})
		return
	}

	c.Set(ctxKeyHeight, height)
	c.Next()
}

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	logging.L.Debug().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("request")
}
