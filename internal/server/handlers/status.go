package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/3leaps/dmftloop/pkg/driver"
)

// StatusSource is satisfied by *driver.Driver.
type StatusSource interface {
	Status() driver.Status
}

// StatusHandler serves /status as the driver's current Status.
func StatusHandler(src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, src.Status())
	}
}

// DriverChecker is unhealthy once the driver has halted.
func DriverChecker(src StatusSource) Checker {
	return CheckerFunc(func(ctx context.Context) error {
		st := src.Status()
		if st.State == driver.StateHalted {
			return fmt.Errorf("driver halted at iteration %d: %s", st.Iteration, st.LastError)
		}
		return nil
	})
}

// VersionHandler serves /version.
func VersionHandler(info map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, info)
	}
}
