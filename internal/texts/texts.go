// Package texts renders the human-readable replies of the bot.
//
// Render(locale, id, args...) looks id up in a golang.org/x/text message
// catalog and formats it for the requested language, falling back to English
// for unknown languages or missing translations. Amounts are passed in as
// preformatted strings (see FormatAmount) so the printer's number
// localization never alters values that end up in payment links.
package texts

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/tbourn/username-attestor/internal/pricing"
)

// Message ids.
const (
	Greeting              = "greeting"
	PriceLine             = "priceLine"
	PriceLineOpen         = "priceLineOpen"
	SelectLanguage        = "selectLanguage"
	LanguageSelected      = "languageSelected"
	InsertMyAddress       = "insertMyAddress"
	InvalidAddress        = "invalidAddress"
	GoingToAttestAddress  = "goingToAttestAddress"
	InsertUsername        = "insertUsername"
	InvalidUsername       = "invalidUsername"
	GoingToAttestUsername = "goingToAttestUsername"
	UsernameNotOnSale     = "usernameNotOnSale"
	UsernameTaken         = "usernameTaken"
	AwaitingConfirmation  = "paymentIsAwaitingConfirmation"
	PerRequesterLimit     = "usernamesPerDeviceLimit"
	AddressAlreadyPaid    = "addressAlreadyAttested"
	PleasePay             = "pleasePay"
	ReceivedYourPayment   = "receivedYourPayment"
	PaymentIsConfirmed    = "paymentIsConfirmed"
	InAttestation         = "inAttestation"
	AlreadyAttested       = "usernameAlreadyAttested"
	UsernameAttested      = "usernameAttested"
	WrongAsset            = "wrongAsset"
	PaymentIsLate         = "paymentIsLate"
	ReceivedLess          = "receivedLessThanExpected"
	MultipleAuthors       = "receivedPaymentFromMultipleAddresses"
	NotFromExpected       = "receivedPaymentNotFromExpectedAddress"
	SwitchToSingleAddress = "switchToSingleAddress"
	BouncedPayment        = "bouncedPayment"
	ReservationWillExpire = "reservationWillExpire"
)

type entry struct {
	id     string
	en, ru string
}

var entries = []entry{
	{Greeting,
		"Here you can attest your username.\nThe price depends on the length of the username:\n%s",
		"Здесь вы можете заверить своё имя пользователя.\nЦена зависит от длины имени:\n%s"},
	{PriceLine, "%d-%d characters: %s", "%d-%d символов: %s"},
	{PriceLineOpen, "%d characters and more: %s", "%d символов и больше: %s"},
	{SelectLanguage, "Please select your language:", "Пожалуйста, выберите язык:"},
	{LanguageSelected, "Language set to %s.", "Выбран язык: %s."},
	{InsertMyAddress,
		"Please send me your address that you wish to attest (click ... and Insert my address).",
		"Пришлите адрес, который вы хотите заверить (нажмите ... и Insert my address)."},
	{InvalidAddress, "%s is not a valid address.", "%s не является корректным адресом."},
	{GoingToAttestAddress, "Thanks, going to attest your address %s.", "Спасибо, заверяем ваш адрес %s."},
	{InsertUsername,
		"Please send me the username you wish to attest (1-32 letters, digits, dashes or underscores).",
		"Пришлите имя пользователя для заверения (1-32 латинских буквы, цифры, дефисы или подчёркивания)."},
	{InvalidUsername, "%s is not a valid username.", "%s не является корректным именем."},
	{GoingToAttestUsername, "Going to attest username @%s, the price is %s.", "Заверяем имя @%s, цена %s."},
	{UsernameNotOnSale, "Username @%s is too short and is not for sale.", "Имя @%s слишком короткое и не продаётся."},
	{UsernameTaken, "Username @%s is already taken.", "Имя @%s уже занято."},
	{AwaitingConfirmation,
		"Your payment for @%s is awaiting confirmation, please wait before reserving another username.",
		"Ваш платёж за @%s ожидает подтверждения, подождите, прежде чем резервировать другое имя."},
	{PerRequesterLimit, "You cannot attest more than %d usernames.", "Нельзя заверить больше %d имён."},
	{AddressAlreadyPaid, "This address already paid for a username.", "С этого адреса уже оплачено имя."},
	{PleasePay, "Please pay for the attestation: %s", "Пожалуйста, оплатите заверение: %s"},
	{ReceivedYourPayment,
		"Received your payment of %s for @%s, it is not confirmed yet. You will be notified when it is.",
		"Получен ваш платёж %s за @%s, он ещё не подтверждён. Мы сообщим, когда это произойдёт."},
	{PaymentIsConfirmed, "Your payment is confirmed.", "Ваш платёж подтверждён."},
	{InAttestation, "Username @%s is being attested, you will be notified when the attestation is posted.",
		"Имя @%s заверяется, мы сообщим, когда заверение будет опубликовано."},
	{AlreadyAttested, "Username @%s was attested on %s.", "Имя @%s заверено %s."},
	{UsernameAttested, "Username @%s is now attested, see transaction %s.", "Имя @%s заверено, транзакция %s."},
	{WrongAsset, "Received payment in a wrong asset.", "Платёж получен в неверном активе."},
	{PaymentIsLate, "Your payment is late.", "Ваш платёж опоздал."},
	{ReceivedLess, "Received %s, which is less than the expected %s.", "Получено %s, что меньше ожидаемых %s."},
	{MultipleAuthors, "Received a payment from multiple addresses.", "Платёж получен с нескольких адресов."},
	{NotFromExpected, "Received a payment not from the expected address %s.", "Платёж получен не с ожидаемого адреса %s."},
	{SwitchToSingleAddress,
		"Please switch your wallet to single-address mode, insert your address again and repeat the payment.",
		"Переключите кошелёк в режим одного адреса, пришлите адрес снова и повторите платёж."},
	{BouncedPayment, "%s was sent back to your address, the fee of %s was kept.",
		"%s возвращено на ваш адрес, комиссия %s удержана."},
	{ReservationWillExpire,
		"Your reservation of @%s is about to expire. Pay soon to keep the username.",
		"Резерв имени @%s скоро истечёт. Оплатите, чтобы сохранить имя."},
}

var (
	cat       *catalog.Builder
	supported = []language.Tag{language.English, language.Russian}
	matcher   = language.NewMatcher(supported)
)

func init() {
	cat = catalog.NewBuilder(catalog.Fallback(language.English))
	for _, e := range entries {
		must(cat.SetString(language.English, e.id, e.en))
		if e.ru != "" {
			must(cat.SetString(language.Russian, e.id, e.ru))
		}
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Tag resolves a locale string to a supported language, English by default.
func Tag(locale string) language.Tag {
	t, _ := language.MatchStrings(matcher, locale)
	base, _ := t.Base()
	for _, s := range supported {
		if b, _ := s.Base(); b == base {
			return s
		}
	}
	return language.English
}

// Render formats message id in the given locale.
func Render(locale, id string, args ...any) string {
	p := message.NewPrinter(Tag(locale), message.Catalog(cat))
	return p.Sprintf(id, args...)
}

// Join concatenates non-empty parts with a blank line, so several results of
// one turn go out as a single reply.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

// FormatAmount renders an amount in the ledger's base unit as GB
// (1 GB = 1e9 base units) without floating-point rounding.
func FormatAmount(amount int64) string {
	return decimal.NewFromInt(amount).Shift(-9).String() + " GB"
}

// PayLink is the wallet payment link for a reservation.
func PayLink(receivingAddress string, amount int64, payerAddress string) string {
	return fmt.Sprintf("[attestation payment](obyte:%s?amount=%d&single_address=single%s)", receivingAddress, amount, payerAddress)
}

// CommandLink is a tappable chat command.
func CommandLink(label, command string) string {
	if command == "" {
		command = label
	}
	return fmt.Sprintf("[%s](command:%s)", label, command)
}

// PriceLines lists the priced length brackets of the table.
func PriceLines(locale string, t pricing.Table) string {
	var lines []string
	for _, b := range t.Brackets() {
		if b.MaxLength == 0 {
			lines = append(lines, Render(locale, PriceLineOpen, b.MinLength, FormatAmount(b.Amount)))
			continue
		}
		lines = append(lines, Render(locale, PriceLine, b.MinLength, b.MaxLength, FormatAmount(b.Amount)))
	}
	return strings.Join(lines, "\n")
}

// LanguageMenu lists the configured languages as commands.
func LanguageMenu(locale string, languages []string) string {
	var b strings.Builder
	b.WriteString(Render(locale, SelectLanguage))
	for _, l := range languages {
		name := display(l)
		b.WriteString("\n➡ ")
		b.WriteString(CommandLink(name, "select language "+l))
	}
	return b.String()
}

func display(locale string) string {
	t := Tag(locale)
	switch t {
	case language.Russian:
		return "Русский"
	default:
		return "English"
	}
}
