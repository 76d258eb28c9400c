package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"sns-autopilot/internal/adapters/commentgen"
	"sns-autopilot/internal/domain"
)

type fakeDevice struct {
	calls          []string
	failScreenshot bool
	failTap        bool
}

func (f *fakeDevice) OpenURL(_ context.Context, deviceID, url string) error {
	f.calls = append(f.calls, "open:"+url)
	return nil
}

func (f *fakeDevice) Tap(_ context.Context, deviceID string, x, y int) error {
	f.calls = append(f.calls, fmt.Sprintf("tap:%d,%d", x, y))
	if f.failTap {
		return errors.New("tap failed")
	}
	return nil
}

func (f *fakeDevice) ScrollDown(_ context.Context, deviceID string) error {
	f.calls = append(f.calls, "scroll")
	return nil
}

func (f *fakeDevice) InputText(_ context.Context, deviceID, text string) error {
	f.calls = append(f.calls, "input:"+text)
	return nil
}

func (f *fakeDevice) Screenshot(_ context.Context, deviceID string) ([]byte, error) {
	f.calls = append(f.calls, "screenshot")
	if f.failScreenshot {
		return nil, errors.New("screenshot failed")
	}
	return []byte{0x89}, nil
}

func (f *fakeDevice) GetDeviceStatus(_ context.Context, deviceID string) (domain.DeviceStatus, error) {
	return domain.DeviceStatus{DeviceID: deviceID, Online: true}, nil
}

type fakeGenerator struct {
	comment string
	err     error
}

func (g *fakeGenerator) GenerateComment(context.Context, domain.PostURL, string, string) (string, error) {
	return g.comment, g.err
}

func testRequest() Request {
	post := domain.PostURL{ID: 7, Username: "owner", URL: "https://x.com/owner/status/1", Text: "пример"}
	return Request{
		Account: domain.Account{ID: 3, DeviceID: "dev-1", Status: domain.AccountActive},
		Post:    &post,
		Persona: "персона",
	}
}

func TestLikeTapsButton(t *testing.T) {
	device := &fakeDevice{}
	exec := NewLike(device, Waits{})
	if err := exec.Execute(context.Background(), testRequest()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := fmt.Sprintf("tap:%d,%d", likeButtonX, likeButtonY)
	if device.calls[len(device.calls)-1] != want {
		t.Fatalf("ожидали нажатие лайка, получили %v", device.calls)
	}
}

func TestLikeRequiresPost(t *testing.T) {
	exec := NewLike(&fakeDevice{}, Waits{})
	req := testRequest()
	req.Post = nil
	if err := exec.Execute(context.Background(), req); !errors.Is(err, ErrNoPost) {
		t.Fatalf("ожидали ErrNoPost, получили %v", err)
	}
}

func TestLikeFailsWhenScreenUnavailable(t *testing.T) {
	device := &fakeDevice{failScreenshot: true}
	exec := NewLike(device, Waits{})
	if err := exec.Execute(context.Background(), testRequest()); err == nil {
		t.Fatalf("ожидали ошибку при недоступном экране")
	}
	screenshots := 0
	for _, c := range device.calls {
		if c == "screenshot" {
			screenshots++
		}
	}
	if screenshots != maxScreenRetry {
		t.Fatalf("ожидали %d попыток скриншота, получили %d", maxScreenRetry, screenshots)
	}
}

func TestCommentInputsGeneratedText(t *testing.T) {
	device := &fakeDevice{}
	exec := NewComment(device, &fakeGenerator{comment: "面白いですね！"}, Waits{})
	if err := exec.Execute(context.Background(), testRequest()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	found := false
	for _, c := range device.calls {
		if c == "input:面白いですね！" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ожидали ввод сгенерированного текста, получили %v", device.calls)
	}
}

func TestCommentFallsBackOnGeneratorError(t *testing.T) {
	device := &fakeDevice{}
	exec := NewComment(device, &fakeGenerator{err: errors.New("llm down")}, Waits{})
	if err := exec.Execute(context.Background(), testRequest()); err != nil {
		t.Fatalf("ошибка генератора не должна ронять реакцию: %v", err)
	}
	found := false
	for _, c := range device.calls {
		if c == "input:"+commentgen.DefaultComment {
			found = true
		}
	}
	if !found {
		t.Fatalf("ожидали нейтральный комментарий, получили %v", device.calls)
	}
}

func TestCommentFallsBackOnEmptyOutput(t *testing.T) {
	device := &fakeDevice{}
	exec := NewComment(device, &fakeGenerator{comment: "  "}, Waits{})
	if err := exec.Execute(context.Background(), testRequest()); err != nil {
		t.Fatalf("пустой ответ генератора не должен ронять реакцию: %v", err)
	}
	found := false
	for _, c := range device.calls {
		if c == "input:"+commentgen.DefaultComment {
			found = true
		}
	}
	if !found {
		t.Fatalf("ожидали нейтральный комментарий, получили %v", device.calls)
	}
}

func TestRetweetConfirmsRepostOption(t *testing.T) {
	device := &fakeDevice{}
	exec := NewRetweet(device, Waits{})
	if err := exec.Execute(context.Background(), testRequest()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := fmt.Sprintf("tap:%d,%d", repostOptionX, repostOptionY)
	if device.calls[len(device.calls)-1] != want {
		t.Fatalf("ожидали подтверждение репоста, получили %v", device.calls)
	}
}

func TestFollowUsesTargetUsername(t *testing.T) {
	device := &fakeDevice{}
	exec := NewFollow(device, Waits{})
	req := testRequest()
	req.Post = nil
	req.TargetUsername = "@someone"
	if err := exec.Execute(context.Background(), req); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if device.calls[0] != "open:https://x.com/someone" {
		t.Fatalf("ожидали открытие профиля без @, получили %v", device.calls)
	}
}

func TestFollowFallsBackToPostOwner(t *testing.T) {
	device := &fakeDevice{}
	exec := NewFollow(device, Waits{})
	if err := exec.Execute(context.Background(), testRequest()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if device.calls[0] != "open:https://x.com/owner" {
		t.Fatalf("ожидали профиль владельца поста, получили %v", device.calls)
	}
}

func TestFollowRequiresTarget(t *testing.T) {
	exec := NewFollow(&fakeDevice{}, Waits{})
	req := testRequest()
	req.Post = nil
	if err := exec.Execute(context.Background(), req); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("ожидали ErrNoTarget, получили %v", err)
	}
}
