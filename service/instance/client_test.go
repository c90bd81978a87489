package instance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"PPCollab/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeInstanceService(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/v1/instances", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
			"instances": []gin.H{
				{"id": "instance-001", "status": "running"},
				{"id": "instance-002", "status": "stopped"},
				{"status": "orphan"},
			},
		}})
	})
	r.GET("/api/v1/instances/:id/status", func(c *gin.Context) {
		if c.Param("id") != "instance-001" {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "INSTANCE_NOT_FOUND", "message": "missing"}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"instance_id": "instance-001", "status": "running"}})
	})
	r.GET("/api/v1/instances/:id/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
			"instance_id": c.Param("id"),
			"metrics": gin.H{
				"cpu":    gin.H{"usage_percent": 42.5, "cores_used": "0.85"},
				"memory": gin.H{"usage_percent": 10, "used_mb": 51},
			},
		}})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_List(t *testing.T) {
	srv := fakeInstanceService(t)
	c := NewClient(srv.URL+"/", time.Second)

	got, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "instance-001", got[0].ID)
	assert.Equal(t, "stopped", got[1].Status)
	assert.Equal(t, SourceLive, got[0].Source)
}

func TestClient_Get(t *testing.T) {
	srv := fakeInstanceService(t)
	c := NewClient(srv.URL, time.Second)

	st, err := c.Get(context.Background(), "instance-001")
	require.NoError(t, err)
	assert.Equal(t, "running", st.Status)
	assert.InDelta(t, 42.5, st.CPUUsage, 1e-9)
	assert.InDelta(t, 10.0, st.MemoryUsage, 1e-9)

	_, err = c.Get(context.Background(), "instance-404")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = c.Get(context.Background(), "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestClient_Unreachable(t *testing.T) {
	srv := fakeInstanceService(t)
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, 200*time.Millisecond).List(context.Background())
	assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
	assert.Nil(t, NewClient("  ", time.Second))
}
