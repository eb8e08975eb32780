package live

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
)

const CartPoleDomain = "cartpole"

const (
	cartPoleSteps     = 200
	cartPoleImageBins = 16
	cartPoleLimit     = 2.0
)

// cartPoleDynamics are the coefficients of one environment variant.
type cartPoleDynamics struct {
	dt       float64
	kPos     float64
	kVel     float64
	forceK   float64
	maxForce float64
	// constant external push
	wind float64
}

var baselineDynamics = cartPoleDynamics{dt: 0.1, kPos: 0.45, kVel: 0.15, forceK: 1.25, maxForce: 1.0}

// dynamicsFor applies the novelty level to the baseline physics.
func dynamicsFor(novelty int) cartPoleDynamics {
	d := baselineDynamics
	switch novelty {
	case 0:
	case 100:
		// stiffer spring
		d.kPos *= 2.5
	case 200:
		// weaker actuator
		d.forceK *= 0.45
	case 300:
		d.wind = 0.35
	default:
		// unknown levels scale damping with the level
		d.kVel *= 1 + float64(novelty)/100
	}
	return d
}

func startSpread(difficulty string) float64 {
	switch difficulty {
	case "medium":
		return 0.8
	case "hard":
		return 1.2
	default:
		return 0.4
	}
}

type cartPoleFeatures struct {
	X     float64 `json:"x"`
	V     float64 `json:"v"`
	Step  int     `json:"step"`
	Image []int   `json:"image,omitempty"`
}

// CartPole is a one dimensional balancing task: keep the cart near the origin
// by pushing left or right.
type CartPole struct {
	dyn      cartPoleDynamics
	x, v     float64
	step     int
	useImage bool
	started  bool
}

func NewCartPole() *CartPole { return &CartPole{} }

func (c *CartPole) Reset(ctx context.Context, p Params) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}
	rng := rand.New(rand.NewSource(p.Seed + int64(p.DayOffset)*7919))
	spread := startSpread(p.Difficulty)
	c.dyn = dynamicsFor(p.Novelty)
	c.x = (rng.Float64()*2 - 1) * spread
	c.v = 0
	c.step = 0
	c.useImage = p.UseImage
	c.started = true
	return c.observe(0, false)
}

// Step accepts "left", "right", "none" or a numeric force.
func (c *CartPole) Step(ctx context.Context, action string) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}
	if !c.started {
		return Observation{}, fmt.Errorf("cartpole: step before reset")
	}
	force, err := parseForce(action)
	if err != nil {
		return Observation{}, err
	}
	var reward float64
	c.x, c.v, reward = c.dyn.step(c.x, c.v, force)
	c.step++
	done := math.Abs(c.x) > cartPoleLimit || c.step >= cartPoleSteps
	return c.observe(reward, done)
}

func (c *CartPole) Close() error {
	c.started = false
	return nil
}

func (c *CartPole) observe(reward float64, done bool) (Observation, error) {
	f := cartPoleFeatures{X: c.x, V: c.v, Step: c.step}
	if c.useImage {
		f.Image = cartPoleImage(c.x)
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return Observation{}, fmt.Errorf("cartpole: encode features: %w", err)
	}
	return Observation{Features: raw, Label: c.oracle(), Reward: reward, Done: done}, nil
}

// oracle pushes against the displacement the spring cannot absorb.
func (c *CartPole) oracle() string {
	if c.x+c.v+c.dyn.wind > 0 {
		return "left"
	}
	return "right"
}

func (d cartPoleDynamics) step(x, v, force float64) (nextX, nextV, reward float64) {
	if force > d.maxForce {
		force = d.maxForce
	}
	if force < -d.maxForce {
		force = -d.maxForce
	}
	acc := d.forceK*force - d.kPos*x - d.kVel*v + d.wind
	v = v + acc*d.dt
	x = x + v*d.dt
	reward = 1.0 - math.Min(1.0, math.Abs(x)/cartPoleLimit)
	return x, v, reward
}

func parseForce(action string) (float64, error) {
	switch action {
	case "left":
		return -1, nil
	case "right":
		return 1, nil
	case "", "none":
		return 0, nil
	}
	f, err := strconv.ParseFloat(action, 64)
	if err != nil {
		return 0, fmt.Errorf("cartpole: unknown action %q", action)
	}
	return f, nil
}

// cartPoleImage renders the cart position into a row of bins.
func cartPoleImage(x float64) []int {
	img := make([]int, cartPoleImageBins)
	pos := (x + cartPoleLimit) / (2 * cartPoleLimit)
	bin := int(pos * cartPoleImageBins)
	if bin < 0 {
		bin = 0
	}
	if bin >= cartPoleImageBins {
		bin = cartPoleImageBins - 1
	}
	img[bin] = 1
	return img
}
