package buildtask

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/repoforge/brepd/internal/config"
	"github.com/repoforge/brepd/internal/model"
)

func TestBuildtaskSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "buildtask daytime-window suite")
}

var _ = Describe("resolveTimeout", func() {
	var now time.Time

	BeforeEach(func() {
		// Saturday 2024-01-06 02:00 UTC, inside a 22:00-06:00 nightly window.
		now = mustParse("2024-01-06T02:00:00Z")
	})

	When("no alternative window is configured", func() {
		It("returns the base timeout unchanged", func() {
			Expect(resolveTimeout(now, 5*time.Minute, nil)).To(Equal(5 * time.Minute))
		})
	})

	When("the current time falls inside the configured window", func() {
		It("returns the alternative timeout", func() {
			alt := &config.DaytimeWindow{Start: "0 22 * * *", Stop: "0 6 * * *", Timeout: time.Hour}
			Expect(resolveTimeout(now, 5*time.Minute, alt)).To(Equal(time.Hour))
		})
	})

	When("the current time falls outside the configured window", func() {
		It("returns the base timeout", func() {
			daytime := mustParse("2024-01-06T12:00:00Z")
			alt := &config.DaytimeWindow{Start: "0 22 * * *", Stop: "0 6 * * *", Timeout: time.Hour}
			Expect(resolveTimeout(daytime, 5*time.Minute, alt)).To(Equal(5 * time.Minute))
		})
	})

	When("the configured expressions are malformed", func() {
		It("falls back to the base timeout rather than erroring", func() {
			alt := &config.DaytimeWindow{Start: "not-a-cron-expr", Stop: "also-not-one", Timeout: time.Hour}
			Expect(resolveTimeout(now, 5*time.Minute, alt)).To(Equal(5 * time.Minute))
		})
	})
})

var _ = Describe("sortRebuildCandidates", func() {
	It("orders by force desc, status desc, soft_timestamp asc", func() {
		older := mustParse("2024-01-01T00:00:00Z")
		newer := mustParse("2024-01-02T00:00:00Z")

		warn := model.StatusWarning
		succ := model.StatusSuccess

		cs := []candidate{
			{build: model.Build{SoftTimestamp: newer, Status: &succ}},
			{build: model.Build{SoftTimestamp: older, Force: model.ForceForced}},
			{build: model.Build{SoftTimestamp: older, Status: &warn}},
		}
		sortRebuildCandidates(cs)

		Expect(cs[0].build.Force).To(Equal(model.ForceForced))
		Expect(*cs[1].build.Status).To(Equal(model.StatusWarning))
		Expect(*cs[2].build.Status).To(Equal(model.StatusSuccess))
	})
})

func mustParse(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}
